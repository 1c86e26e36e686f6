package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// CopyThreshold is the batch size above which BatchUpsert switches from
// a multi-row INSERT to a driver-level COPY (spec.md §4.7: "batches
// above a threshold use a driver-level COPY-style path when available").
const CopyThreshold = 500

// MinBatchSize and MaxBatchSize bound the caller-configurable batch
// size (spec.md §4.7: "configurable 100-1000 per batch").
const (
	MinBatchSize = 100
	MaxBatchSize = 1000
)

// OccurrenceStore persists model.Occurrence in batches.
type OccurrenceStore struct {
	db *DB
}

func NewOccurrenceStore(db *DB) *OccurrenceStore {
	return &OccurrenceStore{db: db}
}

// BatchUpsert inserts occs in chunks of batchSize (clamped to
// [MinBatchSize, MaxBatchSize]), skipping rows whose (test_id, run_id,
// attempt) already exist so retried ingestion jobs are idempotent.
// Chunks at or above CopyThreshold use copyChunk (a native pgx COPY),
// smaller chunks use insertChunk (a multi-row INSERT ... ON CONFLICT).
func (s *OccurrenceStore) BatchUpsert(ctx context.Context, occs []model.Occurrence, batchSize int) (int, error) {
	if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	for i := range occs {
		if occs[i].ID == uuid.Nil {
			occs[i].ID = uuid.New()
		}
		if occs[i].Attempt == 0 {
			occs[i].Attempt = 1
		}
	}

	written := 0
	for start := 0; start < len(occs); start += batchSize {
		end := start + batchSize
		if end > len(occs) {
			end = len(occs)
		}
		chunk := occs[start:end]

		var n int
		var err error
		if len(chunk) >= CopyThreshold {
			n, err = s.copyChunk(ctx, chunk)
		} else {
			n, err = s.insertChunk(ctx, chunk)
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (s *OccurrenceStore) insertChunk(ctx context.Context, chunk []model.Occurrence) (int, error) {
	const cols = 9
	placeholders := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*cols)
	for i, o := range chunk {
		base := i * cols
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, o.ID, o.TestID, o.RunID, o.Status, o.DurationMs, o.MessageSig, o.StackDigest, o.RawMessage, o.Attempt)
	}
	query := `INSERT INTO occurrences (id, test_id, run_id, status, duration_ms, message_signature, stack_digest, raw_message, attempt)
		VALUES ` + strings.Join(placeholders, ",") + `
		ON CONFLICT (test_id, run_id, attempt) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapWriteError("OccurrenceStore.insertChunk", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// copyChunk stages rows via a native pgx COPY into a temp table, then
// merges into occurrences with the same idempotent ON CONFLICT DO
// NOTHING as insertChunk. COPY itself has no conflict clause, so the
// staging table absorbs duplicate rows within the chunk before the
// merge resolves duplicates against already-persisted rows.
func (s *OccurrenceStore) copyChunk(ctx context.Context, chunk []model.Occurrence) (int, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to acquire connection for COPY")
	}
	defer conn.Close()

	var affected int64
	err = conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()

		// A session-scoped temp table, not ON COMMIT DROP: each Exec
		// on this pgx.Conn implicitly autocommits, which would drop
		// the table again right after creation. The dedicated
		// connection acquired above is closed at the end of this
		// call, which drops the table when its backend session ends.
		if _, err := pgxConn.Exec(ctx, `CREATE TEMP TABLE IF NOT EXISTS occurrences_staging
			(LIKE occurrences INCLUDING DEFAULTS)`); err != nil {
			return err
		}
		if _, err := pgxConn.Exec(ctx, `TRUNCATE occurrences_staging`); err != nil {
			return err
		}

		rows := make([][]any, len(chunk))
		for i, o := range chunk {
			rows[i] = []any{o.ID, o.TestID, o.RunID, o.Status, o.DurationMs, o.MessageSig, o.StackDigest, o.RawMessage, o.Attempt}
		}
		columns := []string{"id", "test_id", "run_id", "status", "duration_ms", "message_signature", "stack_digest", "raw_message", "attempt"}
		if _, err := pgxConn.CopyFrom(ctx, pgx.Identifier{"occurrences_staging"}, columns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}

		tag, err := pgxConn.Exec(ctx, `INSERT INTO occurrences
			SELECT * FROM occurrences_staging
			ON CONFLICT (test_id, run_id, attempt) DO NOTHING`)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrapWriteError("OccurrenceStore.copyChunk", err)
	}
	return int(affected), nil
}

func (s *OccurrenceStore) History(ctx context.Context, testID uuid.UUID, limit int) ([]model.Occurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id, run_id, status, duration_ms, message_signature, stack_digest, raw_message, attempt, created_at
		FROM occurrences WHERE test_id = $1 ORDER BY created_at DESC LIMIT $2`, testID, limit)
	if err != nil {
		return nil, wrapReadError("OccurrenceStore.History", err)
	}
	defer rows.Close()

	var out []model.Occurrence
	for rows.Next() {
		var o model.Occurrence
		if err := rows.Scan(&o.ID, &o.TestID, &o.RunID, &o.Status, &o.DurationMs, &o.MessageSig, &o.StackDigest, &o.RawMessage, &o.Attempt, &o.CreatedAt); err != nil {
			return nil, wrapReadError("OccurrenceStore.History", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapReadError("OccurrenceStore.History", err)
	}
	return out, nil
}
