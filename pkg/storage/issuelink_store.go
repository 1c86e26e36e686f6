package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// IssueLinkStore persists model.IssueLink (SPEC_FULL.md §11: spec.md §3
// declares the entity but no operation on it; this supplements Create
// and ListForTest so C9's FlakeDetail reads can surface linked issues).
type IssueLinkStore struct {
	db *DB
}

func NewIssueLinkStore(db *DB) *IssueLinkStore {
	return &IssueLinkStore{db: db}
}

func (s *IssueLinkStore) Create(ctx context.Context, link model.IssueLink) (*model.IssueLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO issue_links (id, test_id, url, title)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		link.ID, link.TestID, link.URL, link.Title,
	)
	if err := row.Scan(&link.ID, &link.CreatedAt); err != nil {
		return nil, wrapWriteError("IssueLinkStore.Create", err)
	}
	return &link, nil
}

func (s *IssueLinkStore) ListForTest(ctx context.Context, testID uuid.UUID) ([]model.IssueLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, url, title, created_at
		FROM issue_links WHERE test_id = $1 ORDER BY created_at`, testID)
	if err != nil {
		return nil, wrapReadError("IssueLinkStore.ListForTest", err)
	}
	defer rows.Close()

	var out []model.IssueLink
	for rows.Next() {
		var l model.IssueLink
		if err := rows.Scan(&l.ID, &l.TestID, &l.URL, &l.Title, &l.CreatedAt); err != nil {
			return nil, wrapReadError("IssueLinkStore.ListForTest", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("IssueLinkStore.ListForTest", err)
	}
	return out, nil
}
