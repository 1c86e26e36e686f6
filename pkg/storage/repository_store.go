package storage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// RepositoryStore persists model.Repository.
type RepositoryStore struct {
	db *DB
}

func NewRepositoryStore(db *DB) *RepositoryStore {
	return &RepositoryStore{db: db}
}

// Register inserts repo if no row exists for (provider, owner, name),
// or returns the existing one (spec.md §3: "registered when first
// webhook or registration arrives; never deleted while it owns
// TestCases").
func (s *RepositoryStore) Register(ctx context.Context, repo model.Repository) (*model.Repository, error) {
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO repositories (id, provider, owner, name, installation_id, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, owner, name) DO UPDATE SET installation_id = EXCLUDED.installation_id
		RETURNING id, created_at`,
		repo.ID, repo.Provider, repo.Owner, repo.Name, repo.InstallationID, repo.Active,
	)
	if err := row.Scan(&repo.ID, &repo.CreatedAt); err != nil {
		return nil, wrapWriteError("RepositoryStore.Register", err)
	}
	return &repo, nil
}

func (s *RepositoryStore) Get(ctx context.Context, id uuid.UUID) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, owner, name, installation_id, active, created_at
		FROM repositories WHERE id = $1`, id)
	var r model.Repository
	if err := row.Scan(&r.ID, &r.Provider, &r.Owner, &r.Name, &r.InstallationID, &r.Active, &r.CreatedAt); err != nil {
		return nil, wrapReadError("RepositoryStore.Get", err)
	}
	return &r, nil
}

func (s *RepositoryStore) GetByFullName(ctx context.Context, provider, owner, name string) (*model.Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, owner, name, installation_id, active, created_at
		FROM repositories WHERE provider = $1 AND owner = $2 AND name = $3`, provider, owner, name)
	var r model.Repository
	if err := row.Scan(&r.ID, &r.Provider, &r.Owner, &r.Name, &r.InstallationID, &r.Active, &r.CreatedAt); err != nil {
		return nil, wrapReadError("RepositoryStore.GetByFullName", err)
	}
	return &r, nil
}

// List returns repositories ordered by owner/name, optionally filtered
// by a case-insensitive substring match against "owner/name" (spec.md
// §6.3: `GET /repositories?limit,offset,search`).
func (s *RepositoryStore) List(ctx context.Context, limit, offset int, search string) ([]model.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, owner, name, installation_id, active, created_at
		FROM repositories
		WHERE $3 = '' OR (owner || '/' || name) ILIKE '%' || $3 || '%'
		ORDER BY owner, name
		LIMIT $1 OFFSET $2`, limit, offset, search)
	if err != nil {
		return nil, wrapReadError("RepositoryStore.List", err)
	}
	defer rows.Close()

	var out []model.Repository
	for rows.Next() {
		var r model.Repository
		if err := rows.Scan(&r.ID, &r.Provider, &r.Owner, &r.Name, &r.InstallationID, &r.Active, &r.CreatedAt); err != nil {
			return nil, wrapReadError("RepositoryStore.List", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("RepositoryStore.List", err)
	}
	return out, nil
}

func (s *RepositoryStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return wrapWriteError("RepositoryStore.SetActive", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return wrapReadError("RepositoryStore.SetActive", sql.ErrNoRows)
	}
	return nil
}
