package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the recognitions table. [NewPostgresStore] applies
// it on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS recognitions (
    id            BIGSERIAL PRIMARY KEY,
    request_id    TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    language      TEXT NOT NULL,
    format        TEXT NOT NULL,
    mode          TEXT NOT NULL,
    phrase        TEXT NOT NULL DEFAULT '',
    recognized    BOOLEAN NOT NULL DEFAULT false,
    error         TEXT NOT NULL DEFAULT '',
    duration_ns   BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_recognitions_created_at ON recognitions(created_at DESC);
`

// DB is the subset of *pgxpool.Pool used by [PostgresStore].
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn, verifies the connection and applies
// [Schema].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Save inserts rec and sets its ID and CreatedAt from the database.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO recognitions (
			request_id, connection_id, language, format, mode,
			phrase, recognized, error, duration_ns
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query,
		rec.RequestID, rec.ConnectionID, rec.Language, rec.Format, rec.Mode,
		rec.Phrase, rec.Recognized, rec.Error, rec.Duration.Nanoseconds(),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: save %s: %w", rec.RequestID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	const query = `
		SELECT id, request_id, connection_id, language, format, mode,
		       phrase, recognized, error, duration_ns, created_at
		FROM recognitions
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		r  Record
		ns int64
	)
	err := row.Scan(
		&r.ID, &r.RequestID, &r.ConnectionID, &r.Language, &r.Format, &r.Mode,
		&r.Phrase, &r.Recognized, &r.Error, &ns, &r.CreatedAt,
	)
	r.Duration = time.Duration(ns)
	return r, err
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}
