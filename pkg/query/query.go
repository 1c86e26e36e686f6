// Package query implements the read-only query/plan surface (spec.md
// §4.8 / C9) over the same schema pkg/storage writes, using sqlx (over
// database/sql + lib/pq) rather than pgx's write-side pool, matching
// the teacher's own split of a pgx-backed write path from an
// sqlx-backed read path.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
)

// Service answers the read operations spec.md §4.8 names. All reads are
// non-blocking relative to ingestion workers: none of them take a
// write lock.
type Service struct {
	db *sqlx.DB
}

// Open connects to dsn via the lib/pq driver and wraps it in sqlx.
func Open(dsn string) (*Service, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to open query database")
	}
	return &Service{db: db}, nil
}

// New wraps an already-constructed sqlx.DB (used by tests, which build
// one over a go-sqlmock connection).
func New(db *sqlx.DB) *Service {
	return &Service{db: db}
}

func wrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNotFound, "%s: no rows", op)
	}
	return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "%s: query failed", op)
}

// flakiestTestRow is the scan target for FlakiestTests.
type flakiestTestRow struct {
	TestID         uuid.UUID `db:"test_id"`
	Suite          string    `db:"suite"`
	Name           string    `db:"name"`
	Score          float64   `db:"score"`
	Confidence     float64   `db:"confidence"`
	Recommendation string    `db:"recommendation"`
}

// FlakiestTest is one row of FlakiestTests' result.
type FlakiestTest struct {
	TestID         uuid.UUID
	Suite          string
	Name           string
	Score          float64
	Confidence     float64
	Recommendation string
}

// FlakiestTests returns the top-scoring tests for repoID with a score
// at or above minScore, highest first.
func (s *Service) FlakiestTests(ctx context.Context, repoID uuid.UUID, limit int, minScore float64) ([]FlakiestTest, error) {
	var rows []flakiestTestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tc.id AS test_id, tc.suite, tc.name, fs.score, fs.confidence, fs.recommendation
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND fs.score >= $2
		ORDER BY fs.score DESC
		LIMIT $3`, repoID, minScore, limit)
	if err != nil {
		return nil, wrapQueryError("FlakiestTests", err)
	}
	out := make([]FlakiestTest, len(rows))
	for i, r := range rows {
		out[i] = FlakiestTest(r)
	}
	return out, nil
}

// TestHistory returns testID's occurrences from the last `days` days,
// most recent first.
func (s *Service) TestHistory(ctx context.Context, testID uuid.UUID, days int) ([]model.Occurrence, error) {
	var rows []model.Occurrence
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, test_id, run_id, status, duration_ms, message_signature, stack_digest, raw_message, attempt, created_at
		FROM occurrences
		WHERE test_id = $1 AND created_at >= now() - make_interval(days => $2)
		ORDER BY created_at DESC`, testID, days)
	if err != nil {
		return nil, wrapQueryError("TestHistory", err)
	}
	return rows, nil
}

// quarantineCandidateRow is the scan target for QuarantineCandidates.
type quarantineCandidateRow struct {
	TestID uuid.UUID `db:"test_id"`
	Suite  string    `db:"suite"`
	Name   string    `db:"name"`
	Score  float64   `db:"score"`
}

// QuarantineCandidate is one row of QuarantineCandidates' result.
type QuarantineCandidate struct {
	TestID uuid.UUID
	Suite  string
	Name   string
	Score  float64
}

// QuarantineCandidates returns tests at or above scoreThreshold, with at
// least minRuns occurrences, that have no currently ACTIVE quarantine
// decision.
func (s *Service) QuarantineCandidates(ctx context.Context, repoID uuid.UUID, scoreThreshold float64, minRuns int) ([]QuarantineCandidate, error) {
	var rows []quarantineCandidateRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tc.id AS test_id, tc.suite, tc.name, fs.score
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1
		  AND fs.score >= $2
		  AND fs.window_n >= $3
		  AND NOT EXISTS (
		      SELECT 1 FROM (
		          SELECT DISTINCT ON (qd.test_id) qd.test_id, qd.state
		          FROM quarantine_decisions qd
		          WHERE qd.test_id = tc.id
		          ORDER BY qd.test_id, qd.created_at DESC
		      ) latest
		      WHERE latest.state = 'ACTIVE'
		  )
		ORDER BY fs.score DESC`, repoID, scoreThreshold, minRuns)
	if err != nil {
		return nil, wrapQueryError("QuarantineCandidates", err)
	}
	out := make([]QuarantineCandidate, len(rows))
	for i, r := range rows {
		out[i] = QuarantineCandidate(r)
	}
	return out, nil
}

// RepositoryDashboard is the aggregate counts spec.md §4.8's
// repositoryDashboard returns in a single read.
type RepositoryDashboard struct {
	TotalTests      int `db:"total_tests"`
	FlakyTests      int `db:"flaky_tests"`
	QuarantinedNow  int `db:"quarantined_now"`
	ClustersTotal   int `db:"clusters_total"`
	RunsLast7Days   int `db:"runs_last_7_days"`
}

// RepositoryDashboard aggregates counts for repoID in one read.
func (s *Service) RepositoryDashboard(ctx context.Context, repoID uuid.UUID) (*RepositoryDashboard, error) {
	var d RepositoryDashboard
	err := s.db.GetContext(ctx, &d, `
		SELECT
			(SELECT count(*) FROM test_cases WHERE repo_id = $1) AS total_tests,
			(SELECT count(*) FROM flake_scores fs JOIN test_cases tc ON tc.id = fs.test_id WHERE tc.repo_id = $1 AND fs.score > 0) AS flaky_tests,
			(SELECT count(*) FROM (
				SELECT DISTINCT ON (qd.test_id) qd.test_id, qd.state
				FROM quarantine_decisions qd
				JOIN test_cases tc ON tc.id = qd.test_id
				WHERE tc.repo_id = $1
				ORDER BY qd.test_id, qd.created_at DESC
			) latest WHERE latest.state = 'ACTIVE') AS quarantined_now,
			(SELECT count(*) FROM failure_clusters WHERE repo_id = $1) AS clusters_total,
			(SELECT count(*) FROM workflow_runs WHERE repo_id = $1 AND created_at >= now() - interval '7 days') AS runs_last_7_days`,
		repoID)
	if err != nil {
		return nil, wrapQueryError("RepositoryDashboard", err)
	}
	return &d, nil
}

// SimilarFailures returns the cluster for repoID/signature and the
// tests it affects.
func (s *Service) SimilarFailures(ctx context.Context, repoID uuid.UUID, signature string) (*model.FailureCluster, error) {
	var c model.FailureCluster
	err := s.db.GetContext(ctx, &c, `
		SELECT id, repo_id, failure_msg_signature, example_message, occurrence_count
		FROM failure_clusters WHERE repo_id = $1 AND failure_msg_signature = $2`, repoID, signature)
	if err != nil {
		return nil, wrapQueryError("SimilarFailures", err)
	}
	var testIDs []uuid.UUID
	if err := s.db.SelectContext(ctx, &testIDs, `SELECT test_id FROM failure_cluster_tests WHERE cluster_id = $1`, c.ID); err != nil {
		return nil, wrapQueryError("SimilarFailures", err)
	}
	c.TestIDs = testIDs
	return &c, nil
}

// QuarantinePlanEntry is one recommended action in a QuarantinePlan.
type QuarantinePlanEntry struct {
	TestID     uuid.UUID
	Suite      string
	Name       string
	Score      float64
	Action     policy.Action
	Priority   policy.Priority
	Rationale  string
	Annotation string
}

// priorityRank orders Priority values highest-first for sorting.
func priorityRank(p policy.Priority) int {
	switch p {
	case policy.PriorityCritical:
		return 0
	case policy.PriorityHigh:
		return 1
	case policy.PriorityMedium:
		return 2
	default:
		return 3
	}
}

// annotationFor renders the one-line suggested PR/issue annotation
// spec.md §4.8 asks quarantinePlan to attach to each entry.
func annotationFor(action policy.Action, identifier string) string {
	switch action {
	case policy.ActionQuarantine:
		return "flakeguard: recommend quarantining " + identifier
	case policy.ActionWarn:
		return "flakeguard: " + identifier + " is showing flaky behavior, monitor before quarantining"
	default:
		return ""
	}
}

// QuarantinePlan evaluates repoID's flake scores from the last
// lookbackDays days against cfg (with repo's override applied, if any)
// and returns a prioritized, scored action list (spec.md §4.8: "sort by
// priority then score, return with rationale and suggested
// annotations").
func (s *Service) QuarantinePlan(ctx context.Context, repoID uuid.UUID, lookbackDays int, cfg policy.Config, override *policy.Override) ([]QuarantinePlanEntry, error) {
	type row struct {
		TestID     uuid.UUID `db:"test_id"`
		Suite      string    `db:"suite"`
		Name       string    `db:"name"`
		Score      float64   `db:"score"`
		Confidence float64   `db:"confidence"`
		WindowN    int       `db:"window_n"`
		Features   []byte    `db:"features_json"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tc.id AS test_id, tc.suite, tc.name, fs.score, fs.confidence, fs.window_n, fs.features_json
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND fs.last_updated_at >= now() - make_interval(days => $2)`, repoID, lookbackDays)
	if err != nil {
		return nil, wrapQueryError("QuarantinePlan", err)
	}

	plan := make([]QuarantinePlanEntry, 0, len(rows))
	for _, r := range rows {
		var features model.Features
		if len(r.Features) > 0 {
			if err := json.Unmarshal(r.Features, &features); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "QuarantinePlan: corrupt features_json")
			}
		}
		features.TotalRuns = r.WindowN
		score := model.FlakeScore{
			TestID:     r.TestID,
			Score:      r.Score,
			Confidence: r.Confidence,
			WindowN:    r.WindowN,
			Features:   features,
		}
		testPath := r.Suite + "/" + r.Name
		decision := policy.Evaluate(score, testPath, cfg, override)

		plan = append(plan, QuarantinePlanEntry{
			TestID:     r.TestID,
			Suite:      r.Suite,
			Name:       r.Name,
			Score:      r.Score,
			Action:     decision.Action,
			Priority:   decision.Priority,
			Rationale:  decision.Rationale,
			Annotation: annotationFor(decision.Action, testPath),
		})
	}

	sort.SliceStable(plan, func(i, j int) bool {
		pi, pj := priorityRank(plan[i].Priority), priorityRank(plan[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return plan[i].Score > plan[j].Score
	})
	return plan, nil
}
