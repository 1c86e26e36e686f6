// Package storage implements the relational store (spec.md §4.7 / C1):
// write repositories for every domain entity in pkg/model, batched
// occurrence upserts with a COPY-path above a configurable threshold,
// and the embedded goose migrations that create the schema.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// uniqueViolation is the PostgreSQL SQLSTATE for a unique-constraint
// conflict (spec.md §7: "unique-conflict => success" on idempotent
// upsert retries).
const uniqueViolation = "23505"

// DB wraps a database/sql handle opened against the pgx driver. pgx is
// used through its database/sql adapter (rather than pgxpool, for which
// no pack example shows a real call site) so the write path stays
// testable with DATA-DOG/go-sqlmock exactly the way the teacher's own
// repository tests drive database/sql.
type DB struct {
	*sql.DB
}

// Open establishes a connection pool against dsn using the pgx driver.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to open database")
	}
	return &DB{DB: sqlDB}, nil
}

// Migrate applies every embedded migration in migrations/ using goose.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to set migration dialect")
	}
	if err := goose.UpContext(ctx, d.DB, "migrations"); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to apply migrations")
	}
	return nil
}

// wrapWriteError classifies a database/sql error from an insert/update
// statement: a unique-constraint violation becomes ErrorTypeConflict
// (spec.md §7's idempotent-upsert rule), sql.ErrNoRows becomes
// ErrorTypeNotFound, everything else is ErrorTypeDatabase.
func wrapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.Wrapf(err, apperrors.ErrorTypeConflict, "%s: conflicting record already exists", op)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNotFound, "%s: record not found", op)
	}
	return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "%s: failed to insert", op)
}

func wrapReadError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrapf(err, apperrors.ErrorTypeNotFound, "%s: record not found", op)
	}
	return apperrors.Wrapf(err, apperrors.ErrorTypeDatabase, "%s: failed to query", op)
}
