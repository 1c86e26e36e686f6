package storage

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// ScoreStore persists model.FlakeScore, one row per TestCase (spec.md
// §4.4: the score is a current snapshot, not a history).
type ScoreStore struct {
	db *DB
}

func NewScoreStore(db *DB) *ScoreStore {
	return &ScoreStore{db: db}
}

func (s *ScoreStore) Upsert(ctx context.Context, score model.FlakeScore) error {
	featuresJSON, err := json.Marshal(score.Features)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal score features")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flake_scores (test_id, score, confidence, window_n, features_json, recommendation, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (test_id) DO UPDATE SET
			score = EXCLUDED.score, confidence = EXCLUDED.confidence, window_n = EXCLUDED.window_n,
			features_json = EXCLUDED.features_json, recommendation = EXCLUDED.recommendation, last_updated_at = now()`,
		score.TestID, score.Score, score.Confidence, score.WindowN, featuresJSON, score.Recommendation,
	)
	if err != nil {
		return wrapWriteError("ScoreStore.Upsert", err)
	}
	return nil
}

func (s *ScoreStore) Get(ctx context.Context, testID uuid.UUID) (*model.FlakeScore, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT test_id, score, confidence, window_n, features_json, recommendation, last_updated_at
		FROM flake_scores WHERE test_id = $1`, testID)
	var sc model.FlakeScore
	if err := row.Scan(&sc.TestID, &sc.Score, &sc.Confidence, &sc.WindowN, &sc.FeaturesJSON, &sc.Recommendation, &sc.LastUpdatedAt); err != nil {
		return nil, wrapReadError("ScoreStore.Get", err)
	}
	if err := json.Unmarshal(sc.FeaturesJSON, &sc.Features); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to unmarshal score features")
	}
	return &sc, nil
}

// TopK returns the highest-scoring rows for a repo's test cases, used
// by C9's flakiestTests query.
func (s *ScoreStore) TopK(ctx context.Context, repoID uuid.UUID, limit int, minScore float64) ([]model.FlakeScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fs.test_id, fs.score, fs.confidence, fs.window_n, fs.features_json, fs.recommendation, fs.last_updated_at
		FROM flake_scores fs
		JOIN test_cases tc ON tc.id = fs.test_id
		WHERE tc.repo_id = $1 AND fs.score >= $2
		ORDER BY fs.score DESC
		LIMIT $3`, repoID, minScore, limit)
	if err != nil {
		return nil, wrapReadError("ScoreStore.TopK", err)
	}
	defer rows.Close()

	var out []model.FlakeScore
	for rows.Next() {
		var sc model.FlakeScore
		if err := rows.Scan(&sc.TestID, &sc.Score, &sc.Confidence, &sc.WindowN, &sc.FeaturesJSON, &sc.Recommendation, &sc.LastUpdatedAt); err != nil {
			return nil, wrapReadError("ScoreStore.TopK", err)
		}
		if err := json.Unmarshal(sc.FeaturesJSON, &sc.Features); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to unmarshal score features")
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("ScoreStore.TopK", err)
	}
	return out, nil
}
