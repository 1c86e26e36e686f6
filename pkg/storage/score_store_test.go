package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

func TestScoreStoreUpsertMarshalsFeatures(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewScoreStore(db)

	score := model.FlakeScore{
		TestID:         uuid.New(),
		Score:          0.72,
		Confidence:     0.9,
		WindowN:        50,
		Features:       model.Features{FailSuccessRatio: 0.3, TotalRuns: 40},
		Recommendation: "quarantine",
	}

	mock.ExpectExec(`INSERT INTO flake_scores`).
		WithArgs(score.TestID, score.Score, score.Confidence, score.WindowN, sqlmock.AnyArg(), score.Recommendation).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Upsert(context.Background(), score); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestScoreStoreGetUnmarshalsFeatures(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewScoreStore(db)
	testID := uuid.New()

	features := model.Features{FailSuccessRatio: 0.5, TotalRuns: 20}
	featuresJSON, _ := json.Marshal(features)

	mock.ExpectQuery(`SELECT (.+) FROM flake_scores WHERE test_id`).
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"test_id", "score", "confidence", "window_n", "features_json", "recommendation", "last_updated_at"}).
			AddRow(testID, 0.6, 0.8, 50, featuresJSON, "warn", time.Now()))

	got, err := store.Get(context.Background(), testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Features.TotalRuns != 20 {
		t.Fatalf("expected unmarshaled features, got %+v", got.Features)
	}
}

func TestScoreStoreTopKOrdersByScoreDescending(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewScoreStore(db)
	repoID := uuid.New()

	featuresJSON, _ := json.Marshal(model.Features{})
	mock.ExpectQuery(`SELECT (.+) FROM flake_scores fs`).
		WithArgs(repoID, 0.5, 10).
		WillReturnRows(sqlmock.NewRows([]string{"test_id", "score", "confidence", "window_n", "features_json", "recommendation", "last_updated_at"}).
			AddRow(uuid.New(), 0.95, 0.9, 50, featuresJSON, "quarantine", time.Now()).
			AddRow(uuid.New(), 0.6, 0.7, 50, featuresJSON, "warn", time.Now()))

	got, err := store.TopK(context.Background(), repoID, 10, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Score < got[1].Score {
		t.Fatalf("expected descending order, got %v then %v", got[0].Score, got[1].Score)
	}
}
