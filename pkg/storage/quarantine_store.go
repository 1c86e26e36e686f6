package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// QuarantineStore persists model.QuarantineDecision. Decisions are
// append-only (spec.md §3): a new state is a new row, never an update
// to a prior one, so the history of decisions for a test is auditable.
type QuarantineStore struct {
	db *DB
}

func NewQuarantineStore(db *DB) *QuarantineStore {
	return &QuarantineStore{db: db}
}

func (s *QuarantineStore) Record(ctx context.Context, d model.QuarantineDecision) (*model.QuarantineDecision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO quarantine_decisions (id, test_id, state, rationale, by_user, until)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		d.ID, d.TestID, d.State, d.Rationale, d.ByUser, d.Until,
	)
	if err := row.Scan(&d.ID, &d.CreatedAt); err != nil {
		return nil, wrapWriteError("QuarantineStore.Record", err)
	}
	return &d, nil
}

// Current returns the most recent decision for a test, or an
// ErrorTypeNotFound error if none exists (treated as QuarantineNone by
// callers).
func (s *QuarantineStore) Current(ctx context.Context, testID uuid.UUID) (*model.QuarantineDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, test_id, state, rationale, by_user, until, created_at
		FROM quarantine_decisions WHERE test_id = $1 ORDER BY created_at DESC LIMIT 1`, testID)
	var d model.QuarantineDecision
	if err := row.Scan(&d.ID, &d.TestID, &d.State, &d.Rationale, &d.ByUser, &d.Until, &d.CreatedAt); err != nil {
		return nil, wrapReadError("QuarantineStore.Current", err)
	}
	return &d, nil
}

// ActiveForRepo lists test IDs with a current ACTIVE decision for repo,
// used by C9's quarantineCandidates query to exclude already-quarantined
// tests.
func (s *QuarantineStore) ActiveForRepo(ctx context.Context, repoID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (qd.test_id) qd.test_id, qd.state
		FROM quarantine_decisions qd
		JOIN test_cases tc ON tc.id = qd.test_id
		WHERE tc.repo_id = $1
		ORDER BY qd.test_id, qd.created_at DESC`, repoID)
	if err != nil {
		return nil, wrapReadError("QuarantineStore.ActiveForRepo", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var testID uuid.UUID
		var state model.QuarantineState
		if err := rows.Scan(&testID, &state); err != nil {
			return nil, wrapReadError("QuarantineStore.ActiveForRepo", err)
		}
		if state == model.QuarantineActive {
			out = append(out, testID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("QuarantineStore.ActiveForRepo", err)
	}
	return out, nil
}
