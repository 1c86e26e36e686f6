// Package slack posts a single-line flakiness notification to an
// incoming webhook URL on quarantine-state transitions (SPEC_FULL.md
// §11's supplemented thin Slack notifier). It intentionally does not
// render block-kit attachments: spec.md §1's Non-goals exclude rich
// notification rendering, only a minimal `{text: "..."}` payload goes
// out, matching the other_examples `slack.Client.PostFlakeNotification`
// contract this was supplemented from.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/circuitbreaker"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
)

// breakerName is the single circuit the Manager tracks for this
// collaborator; every call shares it since one webhook URL is one
// upstream target.
const breakerName = "slack"

// Client posts flake notifications to one incoming webhook URL.
type Client struct {
	webhookURL string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     *logrus.Logger
}

// NewClient constructs a Client. httpClient should come from
// httpclient.NewClient(httpclient.SlackClientConfig()) so a slow Slack
// endpoint cannot hold up the caller past a short timeout.
func NewClient(webhookURL string, httpClient *http.Client, breakers *circuitbreaker.Manager, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{webhookURL: webhookURL, httpClient: httpClient, breakers: breakers, logger: logger}
}

// PostFlakeNotification sends a one-line summary of a quarantine
// decision transition. testPath is the "suite/name" identifier used
// elsewhere in the pipeline (policy.Decision.TestID).
func (c *Client) PostFlakeNotification(ctx context.Context, testPath string, decision policy.Decision) error {
	fields := logging.NewFields().Component("notification").Operation("post_flake_notification").
		Resource("test", testPath)

	msg := &slack.WebhookMessage{Text: formatMessage(testPath, decision)}

	_, err := c.breakers.Execute(ctx, breakerName, func() (any, error) {
		return nil, c.send(ctx, msg)
	})
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen) {
			c.logger.WithFields(fields.ToLogrus()).Warn("slack notification skipped: circuit open")
			return err
		}
		c.logger.WithFields(fields.Error(err).ToLogrus()).Warn("slack notification failed")
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to post slack notification")
	}

	c.logger.WithFields(fields.ToLogrus()).Info("posted slack notification")
	return nil
}

// send POSTs msg as an incoming-webhook payload using c.httpClient, so
// the Slack-tuned timeout from httpclient.SlackClientConfig applies
// instead of whatever default transport a vendored webhook helper would
// pick for us.
func (c *Client) send(ctx context.Context, msg *slack.WebhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(testPath string, decision policy.Decision) string {
	switch decision.Action {
	case policy.ActionQuarantine:
		return fmt.Sprintf(":warning: FlakeGuard quarantined `%s` (priority %s): %s", testPath, decision.Priority, decision.Rationale)
	case policy.ActionWarn:
		return fmt.Sprintf(":large_yellow_circle: FlakeGuard flagged `%s` as flaky (priority %s): %s", testPath, decision.Priority, decision.Rationale)
	default:
		return fmt.Sprintf(":white_check_mark: FlakeGuard cleared `%s`: %s", testPath, decision.Rationale)
	}
}
