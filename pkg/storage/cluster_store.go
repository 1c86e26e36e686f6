package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// ClusterStore persists model.FailureCluster and its test memberships.
type ClusterStore struct {
	db *DB
}

func NewClusterStore(db *DB) *ClusterStore {
	return &ClusterStore{db: db}
}

// Upsert inserts or updates a cluster keyed by (repoId,
// failureMsgSignature) and replaces its test-id membership set.
func (s *ClusterStore) Upsert(ctx context.Context, c model.FailureCluster) (*model.FailureCluster, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapWriteError("ClusterStore.Upsert", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO failure_clusters (id, repo_id, failure_msg_signature, example_message, occurrence_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, failure_msg_signature) DO UPDATE SET
			example_message = EXCLUDED.example_message, occurrence_count = EXCLUDED.occurrence_count
		RETURNING id`,
		c.ID, c.RepoID, c.FailureMsgSignature, c.ExampleMessage, c.OccurrenceCount,
	)
	if err := row.Scan(&c.ID); err != nil {
		return nil, wrapWriteError("ClusterStore.Upsert", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failure_cluster_tests WHERE cluster_id = $1`, c.ID); err != nil {
		return nil, wrapWriteError("ClusterStore.Upsert", err)
	}
	for _, testID := range c.TestIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failure_cluster_tests (cluster_id, test_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, c.ID, testID); err != nil {
			return nil, wrapWriteError("ClusterStore.Upsert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapWriteError("ClusterStore.Upsert", err)
	}
	return &c, nil
}

// GetBySignature returns the cluster for a repo/signature pair along
// with its member test IDs, used by C9's similarFailures query.
func (s *ClusterStore) GetBySignature(ctx context.Context, repoID uuid.UUID, signature string) (*model.FailureCluster, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, failure_msg_signature, example_message, occurrence_count
		FROM failure_clusters WHERE repo_id = $1 AND failure_msg_signature = $2`, repoID, signature)
	var c model.FailureCluster
	if err := row.Scan(&c.ID, &c.RepoID, &c.FailureMsgSignature, &c.ExampleMessage, &c.OccurrenceCount); err != nil {
		return nil, wrapReadError("ClusterStore.GetBySignature", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT test_id FROM failure_cluster_tests WHERE cluster_id = $1`, c.ID)
	if err != nil {
		return nil, wrapReadError("ClusterStore.GetBySignature", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapReadError("ClusterStore.GetBySignature", err)
		}
		c.TestIDs = append(c.TestIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("ClusterStore.GetBySignature", err)
	}
	return &c, nil
}
