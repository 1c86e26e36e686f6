package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// TestCaseStore persists model.TestCase. A TestCase is never renamed in
// place (spec.md §3): GetOrCreate resolves identity purely by
// (repoId, suite, className, name).
type TestCaseStore struct {
	db *DB
}

func NewTestCaseStore(db *DB) *TestCaseStore {
	return &TestCaseStore{db: db}
}

func (s *TestCaseStore) GetOrCreate(ctx context.Context, tc model.TestCase) (*model.TestCase, error) {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO test_cases (id, repo_id, suite, class_name, name, file, team)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repo_id, suite, class_name, name) DO UPDATE SET repo_id = test_cases.repo_id
		RETURNING id, created_at`,
		tc.ID, tc.RepoID, tc.Suite, tc.ClassName, tc.Name, tc.File, tc.Team,
	)
	if err := row.Scan(&tc.ID, &tc.CreatedAt); err != nil {
		return nil, wrapWriteError("TestCaseStore.GetOrCreate", err)
	}
	return &tc, nil
}

func (s *TestCaseStore) Get(ctx context.Context, id uuid.UUID) (*model.TestCase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, suite, class_name, name, file, team, created_at
		FROM test_cases WHERE id = $1`, id)
	var tc model.TestCase
	if err := row.Scan(&tc.ID, &tc.RepoID, &tc.Suite, &tc.ClassName, &tc.Name, &tc.File, &tc.Team, &tc.CreatedAt); err != nil {
		return nil, wrapReadError("TestCaseStore.Get", err)
	}
	return &tc, nil
}

func (s *TestCaseStore) ListForRepo(ctx context.Context, repoID uuid.UUID) ([]model.TestCase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, suite, class_name, name, file, team, created_at
		FROM test_cases WHERE repo_id = $1 ORDER BY suite, name`, repoID)
	if err != nil {
		return nil, wrapReadError("TestCaseStore.ListForRepo", err)
	}
	defer rows.Close()

	var out []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		if err := rows.Scan(&tc.ID, &tc.RepoID, &tc.Suite, &tc.ClassName, &tc.Name, &tc.File, &tc.Team, &tc.CreatedAt); err != nil {
			return nil, wrapReadError("TestCaseStore.ListForRepo", err)
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("TestCaseStore.ListForRepo", err)
	}
	return out, nil
}
