package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

func TestQuarantineStoreRecordAlwaysInserts(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQuarantineStore(db)

	d := model.QuarantineDecision{TestID: uuid.New(), State: model.QuarantineActive, Rationale: "score 0.9"}

	mock.ExpectQuery(`INSERT INTO quarantine_decisions`).
		WithArgs(sqlmock.AnyArg(), d.TestID, d.State, d.Rationale, d.ByUser, d.Until).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))

	got, err := store.Record(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID == uuid.Nil {
		t.Fatalf("expected a generated ID")
	}
}

func TestQuarantineStoreCurrentReturnsLatestRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQuarantineStore(db)
	testID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM quarantine_decisions WHERE test_id`).
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "test_id", "state", "rationale", "by_user", "until", "created_at"}).
			AddRow(uuid.New(), testID, model.QuarantineActive, "score 0.9", nil, nil, time.Now()))

	got, err := store.Current(context.Background(), testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != model.QuarantineActive {
		t.Fatalf("expected ACTIVE state, got %s", got.State)
	}
}

func TestQuarantineStoreActiveForRepoFiltersNonActiveStates(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewQuarantineStore(db)
	repoID := uuid.New()

	activeTest := uuid.New()
	expiredTest := uuid.New()

	mock.ExpectQuery(`SELECT DISTINCT ON \(qd.test_id\)`).
		WithArgs(repoID).
		WillReturnRows(sqlmock.NewRows([]string{"test_id", "state"}).
			AddRow(activeTest, model.QuarantineActive).
			AddRow(expiredTest, model.QuarantineExpired))

	got, err := store.ActiveForRepo(context.Background(), repoID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != activeTest {
		t.Fatalf("expected only the active test, got %v", got)
	}
}
