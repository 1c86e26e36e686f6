package storage

import (
	"context"

	"github.com/google/uuid"
)

// PolicyOverrideRecord is the persisted form of a repo's policy override
// YAML body (SPEC_FULL.md §11): the filesystem-watched policy.OverrideStore
// remains the evaluator's live source of truth, but persisting the raw
// body lets the REST/query surface (§6.3/C9) report "policy currently in
// effect for repo X" without reading off the worker's local filesystem.
type PolicyOverrideRecord struct {
	RepoID    uuid.UUID `json:"repo_id" db:"repo_id"`
	YAMLBody  string    `json:"yaml_body" db:"yaml_body"`
	UpdatedAt string    `json:"updated_at" db:"updated_at"`
}

// PolicyOverrideStore persists PolicyOverrideRecord.
type PolicyOverrideStore struct {
	db *DB
}

func NewPolicyOverrideStore(db *DB) *PolicyOverrideStore {
	return &PolicyOverrideStore{db: db}
}

func (s *PolicyOverrideStore) Put(ctx context.Context, repoID uuid.UUID, yamlBody string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_overrides (repo_id, yaml_body, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (repo_id) DO UPDATE SET yaml_body = EXCLUDED.yaml_body, updated_at = now()`,
		repoID, yamlBody,
	)
	if err != nil {
		return wrapWriteError("PolicyOverrideStore.Put", err)
	}
	return nil
}

func (s *PolicyOverrideStore) Get(ctx context.Context, repoID uuid.UUID) (*PolicyOverrideRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, yaml_body, updated_at FROM policy_overrides WHERE repo_id = $1`, repoID)
	var r PolicyOverrideRecord
	if err := row.Scan(&r.RepoID, &r.YAMLBody, &r.UpdatedAt); err != nil {
		return nil, wrapReadError("PolicyOverrideStore.Get", err)
	}
	return &r, nil
}
