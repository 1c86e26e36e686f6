// Package worker implements the job queue consumer (spec.md §4.5 / C7):
// it dispatches webhook-ingest events into artifact-process jobs and runs
// artifact-process jobs through pkg/ingest.Pipeline. The dispatch loop
// itself (polling, concurrency, stalled-job reaping) lives in
// pkg/queue.Pool; Worker only supplies the pkg/queue.Handler it drives.
package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub006/pkg/ingest"
	"github.com/thc1006/flakeguard-sub006/pkg/metrics"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
	"github.com/thc1006/flakeguard-sub006/pkg/storage"
)

// Worker dispatches jobs handed to it by a pkg/queue.Pool: artifact-process
// jobs run through pipeline, webhook-ingest jobs are translated into
// artifact-process jobs.
type Worker struct {
	queue        *queue.Queue
	pipeline     *ingest.Pipeline
	repositories *storage.RepositoryStore
	logger       *logrus.Logger
	metrics      *metrics.Metrics
}

// New constructs a Worker. m may be nil, in which case enqueued-job
// counts are not recorded.
func New(q *queue.Queue, pipeline *ingest.Pipeline, repositories *storage.RepositoryStore, logger *logrus.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{queue: q, pipeline: pipeline, repositories: repositories, logger: logger, metrics: m}
}

// Handle implements pkg/queue.Handler. A returned error causes the pool
// to retry the job (or fail it terminally once attempts are exhausted);
// the pool handles Complete/Fail itself, Handle only does dispatch work.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeWebhookIngest:
		return w.handleWebhookIngest(ctx, job)
	case queue.JobTypeArtifactProcess:
		return w.handleArtifactProcess(ctx, job)
	case queue.JobTypePolling:
		return nil
	default:
		return errors.New("unrecognized job type: " + string(job.Type))
	}
}

// envelope mirrors pkg/webhook's unexported type; duplicated here rather
// than exported from pkg/webhook since it is purely a queue-payload
// shape, not part of that package's HTTP-facing contract.
type envelope struct {
	EventType  string          `json:"eventType"`
	DeliveryID string          `json:"deliveryId"`
	Body       json.RawMessage `json:"body"`
}

// workflowRunEvent is the subset of GitHub's workflow_run webhook
// FlakeGuard needs to kick off ingestion.
type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID int64 `json:"id"`
	} `json:"workflow_run"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// artifactProcessPayload is the queue payload handed from a dispatched
// webhook-ingest job to the artifact-process job it schedules.
type artifactProcessPayload struct {
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	RunID          int64     `json:"runId"`
	InstallationID int64     `json:"installationId"`
	RepoID         uuid.UUID `json:"repositoryId"`
}

func (w *Worker) handleWebhookIngest(ctx context.Context, job *queue.Job) error {
	var env envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return err
	}
	if env.EventType != "workflow_run" {
		return nil
	}

	var evt workflowRunEvent
	if err := json.Unmarshal(env.Body, &evt); err != nil {
		return err
	}
	if evt.Action != "completed" {
		return nil
	}

	repo, err := w.repositories.Register(ctx, model.Repository{
		Provider:       "github",
		Owner:          evt.Repository.Owner.Login,
		Name:           evt.Repository.Name,
		InstallationID: evt.Installation.ID,
		Active:         true,
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(artifactProcessPayload{
		Owner: evt.Repository.Owner.Login, Repo: evt.Repository.Name,
		RunID: evt.WorkflowRun.ID, InstallationID: evt.Installation.ID, RepoID: repo.ID,
	})
	if err != nil {
		return err
	}
	if _, err := w.queue.Enqueue(ctx, queue.JobTypeArtifactProcess, payload, queue.PriorityNormal, 3); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.JobsEnqueuedTotal.WithLabelValues(string(queue.JobTypeArtifactProcess)).Inc()
	}
	return nil
}

func (w *Worker) handleArtifactProcess(ctx context.Context, job *queue.Job) error {
	var p artifactProcessPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return err
	}
	_, err := w.pipeline.Process(ctx, ingest.Request{
		Owner: p.Owner, Repo: p.Repo, RunID: p.RunID,
		InstallationID: p.InstallationID, RepoID: p.RepoID,
		OnProgress: func(ev ingest.ProgressEvent) {
			_ = w.queue.Progress(ctx, job.ID, percentFor(ev))
			w.logger.WithFields(logging.NewFields().Component("worker").
				Operation(string(job.Type)).ToLogrus()).Debug("artifact ingest progress")
		},
	})
	return err
}

// percentFor collapses a pipeline progress event into the bare
// percentage queue.Queue.Progress tracks; the richer event shape stays
// in-process only (spec.md §4.3), never persisted to Redis.
func percentFor(ev ingest.ProgressEvent) int {
	if ev.Total == 0 {
		return 0
	}
	pct := ev.Processed * 100 / ev.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}
