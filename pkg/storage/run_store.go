package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// RunStore persists model.WorkflowRun.
type RunStore struct {
	db *DB
}

func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Upsert inserts or updates a run keyed by (repoId, externalRunId), the
// natural identity a CI provider webhook re-delivers under.
func (s *RunStore) Upsert(ctx context.Context, run model.WorkflowRun) (*model.WorkflowRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_runs (id, repo_id, external_run_id, status, conclusion)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, external_run_id) DO UPDATE SET
			status = EXCLUDED.status, conclusion = EXCLUDED.conclusion, updated_at = now()
		RETURNING id, created_at, updated_at`,
		run.ID, run.RepoID, run.ExternalRunID, run.Status, run.Conclusion,
	)
	if err := row.Scan(&run.ID, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, wrapWriteError("RunStore.Upsert", err)
	}
	return &run, nil
}

func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, external_run_id, status, conclusion, created_at, updated_at
		FROM workflow_runs WHERE id = $1`, id)
	var r model.WorkflowRun
	if err := row.Scan(&r.ID, &r.RepoID, &r.ExternalRunID, &r.Status, &r.Conclusion, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, wrapReadError("RunStore.Get", err)
	}
	return &r, nil
}

func (s *RunStore) GetByExternalID(ctx context.Context, repoID uuid.UUID, externalRunID int64) (*model.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, external_run_id, status, conclusion, created_at, updated_at
		FROM workflow_runs WHERE repo_id = $1 AND external_run_id = $2`, repoID, externalRunID)
	var r model.WorkflowRun
	if err := row.Scan(&r.ID, &r.RepoID, &r.ExternalRunID, &r.Status, &r.Conclusion, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, wrapReadError("RunStore.GetByExternalID", err)
	}
	return &r, nil
}
