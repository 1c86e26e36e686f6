package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc, "test-jobs", opts...)
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, JobTypeArtifactProcess, json.RawMessage(`{"runId":"r1"}`), PriorityNormal, 3)
	if err != nil {
		t.Fatalf("unexpected error enqueuing: %v", err)
	}
	if job.State != StateWaiting {
		t.Fatalf("expected waiting state, got %s", job.State)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error dequeuing: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a job, got nil")
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}
	if got.State != StateActive {
		t.Fatalf("expected active state after dequeue, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil job from empty queue, got %+v", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, JobTypePolling, nil, PriorityLow, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	high, err := q.Enqueue(ctx, JobTypePolling, nil, PriorityHigh, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	normal, err := q.Enqueue(ctx, JobTypePolling, nil, PriorityNormal, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	third, _ := q.Dequeue(ctx)

	if first.ID != high.ID {
		t.Fatalf("expected high priority job first, got %s", first.ID)
	}
	if second.ID != normal.ID {
		t.Fatalf("expected normal priority job second, got %s", second.ID)
	}
	if third.ID != low.ID {
		t.Fatalf("expected low priority job third, got %s", third.ID)
	}
}

func TestFifoWithinSamePriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, JobTypePolling, nil, PriorityNormal, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := q.Enqueue(ctx, JobTypePolling, nil, PriorityNormal, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got1, _ := q.Dequeue(ctx)
	got2, _ := q.Dequeue(ctx)
	if got1.ID != first.ID {
		t.Fatalf("expected FIFO order, first dequeued should be %s, got %s", first.ID, got1.ID)
	}
	if got2.ID != second.ID {
		t.Fatalf("expected FIFO order, second dequeued should be %s, got %s", second.ID, got2.ID)
	}
}

func TestCompleteRemovesFromActive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, _ := q.Enqueue(ctx, JobTypeWebhookIngest, nil, PriorityNormal, 3)
	got, _ := q.Dequeue(ctx)

	if err := q.Complete(ctx, got.ID); err != nil {
		t.Fatalf("unexpected error completing job: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[StateActive] != 0 {
		t.Fatalf("expected 0 active jobs after complete, got %d", counts[StateActive])
	}
	_ = job
}

func TestFailRetriesWithinBudgetGoesToDelayed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := q.Dequeue(ctx)

	if err := q.Fail(ctx, got.ID, errors.New("transient failure")); err != nil {
		t.Fatalf("unexpected error failing job: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[StateDelayed] != 1 {
		t.Fatalf("expected 1 delayed job after first failure within budget, got %d", counts[StateDelayed])
	}
	if counts[StateActive] != 0 {
		t.Fatalf("expected job removed from active, got %d", counts[StateActive])
	}
}

func TestFailExhaustedAttemptsGoesTerminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := q.Dequeue(ctx)
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}

	if err := q.Fail(ctx, got.ID, errors.New("permanent failure")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reloaded, err := q.load(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error reloading job: %v", err)
	}
	if reloaded.State != StateFailed {
		t.Fatalf("expected terminal failed state, got %s", reloaded.State)
	}
	if reloaded.LastError != "permanent failure" {
		t.Fatalf("expected last error recorded, got %q", reloaded.LastError)
	}
}

func TestReapStalledRequeuesPastDeadline(t *testing.T) {
	q := newTestQueue(t, WithVisibilityTimeout(1*time.Millisecond))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error dequeuing: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	reaped, err := q.ReapStalled(ctx)
	if err != nil {
		t.Fatalf("unexpected error reaping: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("expected 1 stalled job reaped, got %d", reaped)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[StateActive] != 0 {
		t.Fatalf("expected stalled job removed from active, got %d", counts[StateActive])
	}
	if counts[StateDelayed] != 1 {
		t.Fatalf("expected stalled job rescheduled as delayed, got %d", counts[StateDelayed])
	}
}

func TestEnqueueDedupedSkipsDuplicateKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.EnqueueDeduped(ctx, "delivery-123", time.Minute, JobTypeWebhookIngest, nil, PriorityHigh, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == nil {
		t.Fatalf("expected first enqueue to succeed")
	}

	second, err := q.EnqueueDeduped(ctx, "delivery-123", time.Minute, JobTypeWebhookIngest, nil, PriorityHigh, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatalf("expected duplicate delivery id to be suppressed, got %+v", second)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[StateWaiting] != 1 {
		t.Fatalf("expected exactly 1 waiting job, got %d", counts[StateWaiting])
	}
}

func TestProgressUpdatesPersistedJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Progress(ctx, job.ID, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reloaded, err := q.load(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Progress != 42 {
		t.Fatalf("expected progress 42, got %d", reloaded.Progress)
	}
}

func TestListFiltersByTypeAndState(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	webhookJob, err := q.Enqueue(ctx, JobTypeWebhookIngest, nil, PriorityHigh, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := q.List(ctx, 10, 0, JobTypeWebhookIngest, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != webhookJob.ID {
		t.Fatalf("expected only the webhook job, got %+v", got)
	}

	got, err = q.List(ctx, 10, 0, "", StateWaiting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both waiting jobs, got %d", len(got))
	}
}

func TestListRespectsLimitAndOffset(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, JobTypeArtifactProcess, nil, PriorityNormal, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := q.List(ctx, 2, 1, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 jobs after offset 1, got %d", len(got))
	}
}
