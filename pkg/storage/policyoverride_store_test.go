package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func TestPolicyOverrideStorePutUpsertsOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPolicyOverrideStore(db)
	repoID := uuid.New()

	mock.ExpectExec(`INSERT INTO policy_overrides`).
		WithArgs(repoID, "flaky_threshold: 0.5\n").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Put(context.Background(), repoID, "flaky_threshold: 0.5\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPolicyOverrideStoreGetReturnsStoredBody(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPolicyOverrideStore(db)
	repoID := uuid.New()

	mock.ExpectQuery(`SELECT repo_id, yaml_body, updated_at FROM policy_overrides WHERE repo_id`).
		WithArgs(repoID).
		WillReturnRows(sqlmock.NewRows([]string{"repo_id", "yaml_body", "updated_at"}).
			AddRow(repoID, "flaky_threshold: 0.5\n", "2026-07-30T00:00:00Z"))

	got, err := store.Get(context.Background(), repoID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.YAMLBody != "flaky_threshold: 0.5\n" {
		t.Fatalf("expected the stored override body, got %q", got.YAMLBody)
	}
}
