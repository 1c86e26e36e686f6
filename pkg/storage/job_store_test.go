package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

func TestJobStoreUpsertReturnsID(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)

	job := model.Job{RunID: uuid.New(), ExternalJobID: 7, Name: "unit-tests", Status: model.RunStatusCompleted}

	mock.ExpectQuery(`INSERT INTO jobs`).
		WithArgs(sqlmock.AnyArg(), job.RunID, job.ExternalJobID, job.Name, job.Status, job.Conclusion, job.StartedAt, job.CompletedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	got, err := store.Upsert(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID == uuid.Nil {
		t.Fatalf("expected a generated ID")
	}
}

func TestJobStoreListForRunOrdersByName(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewJobStore(db)
	runID := uuid.New()

	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE run_id`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "run_id", "external_job_id", "name", "status", "conclusion", "started_at", "completed_at"}).
			AddRow(uuid.New(), runID, 1, "build", model.RunStatusCompleted, nil, nil, nil).
			AddRow(uuid.New(), runID, 2, "unit-tests", model.RunStatusCompleted, nil, nil, nil))

	got, err := store.ListForRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(got))
	}
}
