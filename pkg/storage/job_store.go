package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// JobStore persists model.Job.
type JobStore struct {
	db *DB
}

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Upsert(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, run_id, external_job_id, name, status, conclusion, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, external_job_id) DO UPDATE SET
			status = EXCLUDED.status, conclusion = EXCLUDED.conclusion,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at
		RETURNING id`,
		job.ID, job.RunID, job.ExternalJobID, job.Name, job.Status, job.Conclusion, job.StartedAt, job.CompletedAt,
	)
	if err := row.Scan(&job.ID); err != nil {
		return nil, wrapWriteError("JobStore.Upsert", err)
	}
	return &job, nil
}

func (s *JobStore) ListForRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, external_job_id, name, status, conclusion, started_at, completed_at
		FROM jobs WHERE run_id = $1 ORDER BY name`, runID)
	if err != nil {
		return nil, wrapReadError("JobStore.ListForRun", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.RunID, &j.ExternalJobID, &j.Name, &j.Status, &j.Conclusion, &j.StartedAt, &j.CompletedAt); err != nil {
			return nil, wrapReadError("JobStore.ListForRun", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("JobStore.ListForRun", err)
	}
	return out, nil
}
