// Package queue implements the durable job queue (spec.md §4.2 / C7): a
// Redis-backed queue with priority ordering, jittered exponential
// backoff retries, and stalled-job detection, backing webhook-ingest,
// artifact-process, and polling jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/retry"
)

// JobType enumerates the processors spec.md §2/§5 names.
type JobType string

const (
	JobTypeWebhookIngest   JobType = "webhook-ingest"
	JobTypeArtifactProcess JobType = "artifact-process"
	JobTypePolling         JobType = "polling"
)

// State is a job's lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Priority orders waiting jobs; lower values dequeue first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// Job is one unit of work.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Progress    int             `json:"progress"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Queue is a single named Redis-backed job queue.
type Queue struct {
	client             *redis.Client
	name               string
	visibilityTimeout  time.Duration
	defaultMaxAttempts int
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a dequeued job may run before it is
// considered stalled and eligible for reaping. Default 5 minutes (spec.md
// §5's default job timeout).
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibilityTimeout = d }
}

// WithDefaultMaxAttempts sets the retry budget used when Enqueue is
// called with maxAttempts <= 0.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.defaultMaxAttempts = n }
}

// New constructs a Queue named name over client.
func New(client *redis.Client, name string, opts ...Option) *Queue {
	q := &Queue{
		client:             client,
		name:               name,
		visibilityTimeout:  5 * time.Minute,
		defaultMaxAttempts: 3,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) waitingKey() string   { return fmt.Sprintf("queue:%s:waiting", q.name) }
func (q *Queue) activeKey() string    { return fmt.Sprintf("queue:%s:active", q.name) }
func (q *Queue) delayedKey() string   { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *Queue) jobsKey() string      { return fmt.Sprintf("queue:%s:jobs", q.name) }
func (q *Queue) dedupKey(k string) string { return fmt.Sprintf("queue:%s:dedup:%s", q.name, k) }

// Enqueue persists job and makes it immediately eligible for dequeue,
// ordered by priority then FIFO within priority.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload json.RawMessage, priority Priority, maxAttempts int) (*Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	now := time.Now()
	job := &Job{
		ID:          uuid.New(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		State:       StateWaiting,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	score := fifoScore(priority, now)
	if err := q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: job.ID.String()}).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to enqueue job")
	}
	return job, nil
}

// EnqueueDeduped behaves like Enqueue but is a no-op returning (nil, nil)
// if dedupeKey was already seen within ttl — used for webhook delivery-ID
// idempotency (spec.md §8 S6).
func (q *Queue) EnqueueDeduped(ctx context.Context, dedupeKey string, ttl time.Duration, jobType JobType, payload json.RawMessage, priority Priority, maxAttempts int) (*Job, error) {
	ok, err := q.client.SetNX(ctx, q.dedupKey(dedupeKey), "1", ttl).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "dedup check failed")
	}
	if !ok {
		return nil, nil
	}
	return q.Enqueue(ctx, jobType, payload, priority, maxAttempts)
}

// fifoScore combines priority and time so that within a priority, earlier
// enqueues sort first: priority is scaled by 1e13, well above any
// Unix-seconds timestamp, and the enqueue time in fractional Unix
// seconds is added to it.
func fifoScore(p Priority, t time.Time) float64 {
	return float64(p)*1e13 + float64(t.UnixNano())/1e9
}

func (q *Queue) persist(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal job")
	}
	if err := q.client.HSet(ctx, q.jobsKey(), job.ID.String(), data).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to persist job")
	}
	return nil
}

func (q *Queue) load(ctx context.Context, id uuid.UUID) (*Job, error) {
	data, err := q.client.HGet(ctx, q.jobsKey(), id.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewNotFoundError("job")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to load job")
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to unmarshal job")
	}
	return &job, nil
}

// Dequeue atomically claims the next eligible job, moving it to the
// active set with a deadline visibilityTimeout from now. It also
// promotes any delayed jobs whose retry time has arrived. Returns (nil,
// nil) if no job is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	results, err := q.client.ZPopMin(ctx, q.waitingKey(), 1).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to pop waiting job")
	}
	if len(results) == 0 {
		return nil, nil
	}

	id, err := uuid.Parse(results[0].Member.(string))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "corrupt job id in waiting set")
	}
	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	job.State = StateActive
	job.Attempts++
	job.UpdatedAt = time.Now()
	if err := q.persist(ctx, job); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(q.visibilityTimeout)
	if err := q.client.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(deadline.Unix()), Member: id.String()}).Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to mark job active")
	}
	return job, nil
}

func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to scan delayed jobs")
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		job, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		job.UpdatedAt = time.Now()
		_ = q.persist(ctx, job)
		_ = q.client.ZRem(ctx, q.delayedKey(), idStr).Err()
		_ = q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: fifoScore(job.Priority, time.Now()), Member: idStr}).Err()
	}
	return nil
}

// Complete marks a job finished and removes it from the active set.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.UpdatedAt = time.Now()
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.activeKey(), id.String()).Err()
}

// Fail records a failure. If the job has retry budget remaining, it is
// scheduled onto the delayed set with jittered exponential backoff;
// otherwise it is marked terminally failed.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if cause != nil {
		job.LastError = cause.Error()
	}
	job.UpdatedAt = time.Now()

	if err := q.client.ZRem(ctx, q.activeKey(), id.String()).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to remove job from active set")
	}

	if job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		if err := q.persist(ctx, job); err != nil {
			return err
		}
		return nil
	}

	job.State = StateDelayed
	if err := q.persist(ctx, job); err != nil {
		return err
	}
	delay := retry.Backoff(job.Attempts)
	readyAt := time.Now().Add(delay)
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.Unix()), Member: id.String()}).Err()
}

// Progress updates a job's progress percentage (best-effort, non-blocking
// per spec.md §5).
func (q *Queue) Progress(ctx context.Context, id uuid.UUID, pct int) error {
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	job.Progress = pct
	job.UpdatedAt = time.Now()
	return q.persist(ctx, job)
}

// ReapStalled finds active jobs whose visibility deadline has passed and
// requeues them as failures (spec.md §5: "on cancellation... job is
// marked failed-retryable").
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to scan active jobs")
	}
	count := 0
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		if err := q.Fail(ctx, id, errors.New("job stalled past visibility timeout")); err == nil {
			count++
		}
	}
	return count, nil
}

// List returns every persisted job matching an optional jobType/state
// filter (either may be the zero value to mean "any"), newest first,
// paginated by limit/offset. Backs the REST surface's
// `GET /tasks?limit,offset,type,status` (spec.md §6.3): the jobs hash
// is small enough per deployment that an in-process scan-then-filter
// is simpler than indexing Redis for pagination the queue itself never
// needs.
func (q *Queue) List(ctx context.Context, limit, offset int, jobType JobType, state State) ([]Job, error) {
	raw, err := q.client.HGetAll(ctx, q.jobsKey()).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list jobs")
	}

	jobs := make([]Job, 0, len(raw))
	for _, data := range raw {
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.After(jobs[j].EnqueuedAt) })

	if offset >= len(jobs) {
		return []Job{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end], nil
}

// Counts returns the number of waiting, active and delayed jobs, for
// /metrics queue depth reporting (spec.md §6.6); completed and failed
// jobs are not counted.
func (q *Queue) Counts(ctx context.Context) (map[State]int64, error) {
	waiting, err := q.client.ZCard(ctx, q.waitingKey()).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to count waiting jobs")
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to count active jobs")
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to count delayed jobs")
	}
	return map[State]int64{
		StateWaiting: waiting,
		StateActive:  active,
		StateDelayed: delayed,
	}, nil
}
