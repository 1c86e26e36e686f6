package ciprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/circuitbreaker"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/retry"
)

// Config tunes rate-limit and retry posture (spec.md §6.1/§6.5).
type Config struct {
	ReserveCount int
	MaxAttempts  int
}

// DefaultConfig returns the spec.md defaults: reserve 10, max 3 attempts.
func DefaultConfig() Config {
	return Config{ReserveCount: 10, MaxAttempts: 3}
}

// Adapter implements the CI-provider contract (spec.md §6.1) against the
// GitHub REST API.
type Adapter struct {
	tokens     *TokenCache
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	cfg        Config
	baseURL    string
	metrics    *metrics.Metrics

	mu           sync.Mutex
	waitUntil    time.Time
	lastRateInfo RateLimitStatus
}

// NewAdapter constructs an Adapter. m may be nil, in which case API call
// outcomes and rate-limit remaining are not recorded.
func NewAdapter(creds AppCredentials, httpClient *http.Client, breakers *circuitbreaker.Manager, cfg Config, m *metrics.Metrics) *Adapter {
	return &Adapter{
		tokens:     NewTokenCache(creds, httpClient),
		httpClient: httpClient,
		breakers:   breakers,
		cfg:        cfg,
		baseURL:    creds.baseURL(),
		metrics:    m,
	}
}

// getClientForInstallation returns the bearer token used to authenticate
// requests on behalf of installationID, per spec.md §6.1. The "client" in
// the spec's naming is this adapter itself, parameterized per-call by the
// resolved token; there's no separate per-installation *http.Client to
// build since the transport/breaker are shared.
func (a *Adapter) getClientForInstallation(ctx context.Context, installationID int64) (string, error) {
	return a.tokens.GetToken(ctx, installationID)
}

// ListRunArtifacts lists artifacts attached to a workflow run, up to 100
// per page (spec.md §6.1).
func (a *Adapter) ListRunArtifacts(ctx context.Context, owner, repo string, runID, installationID int64) ([]Artifact, error) {
	var out []Artifact
	page := 1
	for {
		path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts?per_page=100&page=%d", owner, repo, runID, page)
		var body struct {
			TotalCount int `json:"total_count"`
			Artifacts  []struct {
				ID                 int64     `json:"id"`
				Name               string    `json:"name"`
				SizeInBytes        int64     `json:"size_in_bytes"`
				ArchiveDownloadURL string    `json:"archive_download_url"`
				Expired            bool      `json:"expired"`
				CreatedAt          time.Time `json:"created_at"`
				ExpiresAt          time.Time `json:"expires_at"`
				WorkflowRun        struct {
					ID int64 `json:"id"`
				} `json:"workflow_run"`
			} `json:"artifacts"`
		}
		if err := a.getJSON(ctx, "list_artifacts", installationID, path, &body); err != nil {
			return nil, err
		}
		for _, art := range body.Artifacts {
			out = append(out, Artifact{
				ID:            art.ID,
				Name:          art.Name,
				SizeBytes:     art.SizeInBytes,
				DownloadURL:   art.ArchiveDownloadURL,
				Expired:       art.Expired,
				CreatedAt:     art.CreatedAt,
				ExpiresAt:     art.ExpiresAt,
				WorkflowRunID: art.WorkflowRun.ID,
			})
		}
		if len(body.Artifacts) < 100 || len(out) >= body.TotalCount {
			break
		}
		page++
	}
	return out, nil
}

// ListJobsForRun lists the jobs belonging to a workflow run.
func (a *Adapter) ListJobsForRun(ctx context.Context, owner, repo string, runID, installationID int64) ([]JobInfo, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=100", owner, repo, runID)
	var body struct {
		Jobs []struct {
			ID          int64     `json:"id"`
			RunID       int64     `json:"run_id"`
			Name        string    `json:"name"`
			Status      string    `json:"status"`
			Conclusion  string    `json:"conclusion"`
			StartedAt   time.Time `json:"started_at"`
			CompletedAt time.Time `json:"completed_at"`
		} `json:"jobs"`
	}
	if err := a.getJSON(ctx, "list_jobs", installationID, path, &body); err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(body.Jobs))
	for _, j := range body.Jobs {
		out = append(out, JobInfo{
			ID:          j.ID,
			RunID:       j.RunID,
			Name:        j.Name,
			Status:      j.Status,
			Conclusion:  j.Conclusion,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		})
	}
	return out, nil
}

// GetWorkflowRun fetches a single workflow run.
func (a *Adapter) GetWorkflowRun(ctx context.Context, owner, repo string, runID, installationID int64) (*WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, repo, runID)
	var body struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		HeadBranch string    `json:"head_branch"`
		HeadSHA    string    `json:"head_sha"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	}
	if err := a.getJSON(ctx, "get_run", installationID, path, &body); err != nil {
		return nil, err
	}
	return &WorkflowRun{
		ID:         body.ID,
		Name:       body.Name,
		Status:     body.Status,
		Conclusion: body.Conclusion,
		HeadBranch: body.HeadBranch,
		HeadSHA:    body.HeadSHA,
		CreatedAt:  body.CreatedAt,
		UpdatedAt:  body.UpdatedAt,
	}, nil
}

// RerunFailedJobs triggers a re-run of a workflow run's failed jobs. It
// is idempotent: GitHub returns 201 on the triggering call and 409 if a
// rerun is already in progress, which this treats as success.
func (a *Adapter) RerunFailedJobs(ctx context.Context, owner, repo string, runID, installationID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID)
	_, err := a.do(ctx, "rerun_failed_jobs", installationID, http.MethodPost, path, nil, http.StatusCreated, http.StatusConflict)
	return err
}

// checkRateLimit fails fast if the cached rate-limit window is exhausted
// (spec.md §6.1) without making a network call.
func (a *Adapter) checkRateLimit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Now().Before(a.waitUntil) {
		return apperrors.NewRateLimitError(fmt.Sprintf("CI provider rate limit exhausted, retry after %s", a.waitUntil.Format(time.RFC3339)))
	}
	return nil
}

func (a *Adapter) recordRateLimit(installationID int64, resp *http.Response) {
	remaining, rerr := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	limit, lerr := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	resetEpoch, xerr := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if rerr != nil || lerr != nil || xerr != nil {
		return
	}
	reset := time.Unix(resetEpoch, 0)

	a.mu.Lock()
	a.lastRateInfo = RateLimitStatus{Limit: limit, Remaining: remaining, Reset: reset}
	if a.lastRateInfo.Exhausted(a.cfg.ReserveCount) {
		a.waitUntil = reset
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RateLimitRemaining.WithLabelValues(strconv.FormatInt(installationID, 10)).Set(float64(remaining))
	}
}

// getJSON performs an authenticated GET and decodes the JSON response
// into out. endpoint labels the ci_api_calls_total metric.
func (a *Adapter) getJSON(ctx context.Context, endpoint string, installationID int64, path string, out any) error {
	resp, err := a.do(ctx, endpoint, installationID, http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to decode CI provider response")
	}
	return nil
}

// do performs an authenticated request through the circuit breaker, with
// jittered exponential backoff retry on 429/5xx (spec.md §6.1).
func (a *Adapter) do(ctx context.Context, endpoint string, installationID int64, method, path string, body []byte, okStatuses ...int) (*http.Response, error) {
	if err := a.checkRateLimit(); err != nil {
		a.recordCall(endpoint, "rate_limited")
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		result, err := a.breakers.Execute(ctx, fmt.Sprintf("ci-provider:%d", installationID), func() (any, error) {
			return a.attempt(ctx, installationID, method, path, body, okStatuses)
		})
		if err == nil {
			a.recordCall(endpoint, "success")
			return result.(*http.Response), nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == a.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			a.recordCall(endpoint, "error")
			return nil, ctx.Err()
		case <-time.After(retry.Backoff(attempt)):
		}
	}
	a.recordCall(endpoint, "error")
	return nil, lastErr
}

func (a *Adapter) recordCall(endpoint, outcome string) {
	if a.metrics != nil {
		a.metrics.CIAPICallsTotal.WithLabelValues(endpoint, outcome).Inc()
	}
}

func (a *Adapter) attempt(ctx context.Context, installationID int64, method, path string, body []byte, okStatuses []int) (*http.Response, error) {
	token, err := a.getClientForInstallation(ctx, installationID)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to build CI provider request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "CI provider request failed")
	}
	a.recordRateLimit(installationID, resp)

	if resp.StatusCode == http.StatusUnauthorized {
		a.tokens.Evict(installationID)
		resp.Body.Close()
		return nil, apperrors.New(apperrors.ErrorTypeAuth, "CI provider token rejected")
	}
	for _, ok := range okStatuses {
		if resp.StatusCode == ok {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, apperrors.Newf(apperrors.ErrorTypeNetwork, "CI provider request returned retryable status %d", resp.StatusCode)
	}
	return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "CI provider request returned status %d", resp.StatusCode)
}

func isRetryable(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeNetwork)
}
