// Package model holds FlakeGuard's core domain entities (spec.md §3).
// These are plain data structs passed by value/ID between components;
// no component owns another's struct by pointer across a goroutine
// boundary (spec.md §9 "pass identifiers, not pointers").
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is a WorkflowRun's lifecycle state.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// OccurrenceStatus is the outcome of a single test execution.
type OccurrenceStatus string

const (
	StatusPassed  OccurrenceStatus = "passed"
	StatusFailed  OccurrenceStatus = "failed"
	StatusSkipped OccurrenceStatus = "skipped"
	StatusError   OccurrenceStatus = "error"
)

// IsFailure reports whether status counts as a test failure for scoring
// and clustering purposes (failed and error are both failures; spec.md
// §4.1's flake-detection and §4.4's feature extraction both treat them
// identically).
func (s OccurrenceStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusError
}

// QuarantineState is a QuarantineDecision's state.
type QuarantineState string

const (
	QuarantineNone    QuarantineState = "NONE"
	QuarantineActive  QuarantineState = "ACTIVE"
	QuarantineExpired QuarantineState = "EXPIRED"
)

// Repository identifies an upstream code repository under analysis.
type Repository struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Provider       string    `json:"provider" db:"provider"`
	Owner          string    `json:"owner" db:"owner"`
	Name           string    `json:"name" db:"name"`
	InstallationID int64     `json:"installation_id" db:"installation_id"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// WorkflowRun is a single CI execution.
type WorkflowRun struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	RepoID        uuid.UUID  `json:"repo_id" db:"repo_id"`
	ExternalRunID int64      `json:"external_run_id" db:"external_run_id"`
	Status        RunStatus  `json:"status" db:"status"`
	Conclusion    *string    `json:"conclusion,omitempty" db:"conclusion"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Job is a single executor within a WorkflowRun.
type Job struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	RunID         uuid.UUID  `json:"run_id" db:"run_id"`
	ExternalJobID int64      `json:"external_job_id" db:"external_job_id"`
	Name          string     `json:"name" db:"name"`
	Status        RunStatus  `json:"status" db:"status"`
	Conclusion    *string    `json:"conclusion,omitempty" db:"conclusion"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TestCase is a uniquely identifiable test over time. It is never
// renamed; an apparent rename produces a new TestCase (spec.md §3).
type TestCase struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RepoID    uuid.UUID `json:"repo_id" db:"repo_id"`
	Suite     string    `json:"suite" db:"suite"`
	ClassName *string   `json:"class_name,omitempty" db:"class_name"`
	Name      string    `json:"name" db:"name"`
	File      *string   `json:"file,omitempty" db:"file"`
	Team      *string   `json:"team,omitempty" db:"team"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Identifier returns the (suite, className, name) tuple as a slash path,
// used for display and for policy path-exclusion matching.
func (t TestCase) Identifier() string {
	class := ""
	if t.ClassName != nil {
		class = *t.ClassName + "/"
	}
	return t.Suite + "/" + class + t.Name
}

// Occurrence is one execution of one TestCase in one run/attempt.
type Occurrence struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	TestID       uuid.UUID        `json:"test_id" db:"test_id"`
	RunID        uuid.UUID        `json:"run_id" db:"run_id"`
	Status       OccurrenceStatus `json:"status" db:"status"`
	DurationMs   *int64           `json:"duration_ms,omitempty" db:"duration_ms"`
	MessageSig   *string          `json:"message_signature,omitempty" db:"message_signature"`
	StackDigest  *string          `json:"stack_digest,omitempty" db:"stack_digest"`
	RawMessage   *string          `json:"raw_message,omitempty" db:"raw_message"`
	Attempt      int              `json:"attempt" db:"attempt"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// Features is the cached feature vector behind a FlakeScore (spec.md
// §4.4), serialized as JSON in FlakeScore.Features.
type Features struct {
	FailSuccessRatio        float64 `json:"fail_success_ratio"`
	RerunPassRate           float64 `json:"rerun_pass_rate"`
	IntermittencyScore      float64 `json:"intermittency_score"`
	FailureClustering       float64 `json:"failure_clustering"`
	MessageSignatureVariance float64 `json:"message_signature_variance"`
	ConsecutiveFailures     int     `json:"consecutive_failures"`
	MaxConsecutiveFailures  int     `json:"max_consecutive_failures"`
	TotalRuns               int     `json:"total_runs"`
	RecentFailures          int     `json:"recent_failures"`
	DaysSinceFirstSeen      float64 `json:"days_since_first_seen"`
	AvgTimeBetweenFailures  float64 `json:"avg_time_between_failures_seconds"`
}

// FlakeScore is the current scoring snapshot for a TestCase.
type FlakeScore struct {
	TestID         uuid.UUID `json:"test_id" db:"test_id"`
	Score          float64   `json:"score" db:"score"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	WindowN        int       `json:"window_n" db:"window_n"`
	Features       Features  `json:"features" db:"-"`
	FeaturesJSON   []byte    `json:"-" db:"features_json"`
	Recommendation string    `json:"recommendation" db:"recommendation"`
	LastUpdatedAt  time.Time `json:"last_updated_at" db:"last_updated_at"`
}

// FailureCluster groups occurrences or tests sharing a normalized
// failure signature (spec.md §3, §4.5).
type FailureCluster struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	RepoID              uuid.UUID   `json:"repo_id" db:"repo_id"`
	FailureMsgSignature string      `json:"failure_msg_signature" db:"failure_msg_signature"`
	ExampleMessage      string      `json:"example_message" db:"example_message"`
	OccurrenceCount     int         `json:"occurrence_count" db:"occurrence_count"`
	TestIDs             []uuid.UUID `json:"test_ids" db:"-"`
}

// QuarantineDecision is an observed or proposed quarantine state for a
// TestCase.
type QuarantineDecision struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	TestID    uuid.UUID       `json:"test_id" db:"test_id"`
	State     QuarantineState `json:"state" db:"state"`
	Rationale string          `json:"rationale" db:"rationale"`
	ByUser    *string         `json:"by_user,omitempty" db:"by_user"`
	Until     *time.Time      `json:"until,omitempty" db:"until"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// EffectiveState resolves State to EXPIRED when Until has passed, per
// spec.md §3's invariant that "ACTIVE with until < now is semantically
// EXPIRED".
func (q QuarantineDecision) EffectiveState(now time.Time) QuarantineState {
	if q.State == QuarantineActive && q.Until != nil && q.Until.Before(now) {
		return QuarantineExpired
	}
	return q.State
}

// IssueLink is an external tracker reference for a TestCase.
type IssueLink struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TestID    uuid.UUID `json:"test_id" db:"test_id"`
	URL       string    `json:"url" db:"url"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
