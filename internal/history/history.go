// Package history records the outcome of recognition calls so that the HTTP
// front end can list recent results. Two implementations are provided: a
// PostgreSQL-backed [PostgresStore] and a bounded in-process [MemoryStore]
// used when no database is configured.
package history

import (
	"context"
	"time"
)

// Record is one finished recognition call.
type Record struct {
	ID           int64         `json:"id"`
	RequestID    string        `json:"request_id"`
	ConnectionID string        `json:"connection_id"`
	Language     string        `json:"language"`
	Format       string        `json:"format"`
	Mode         string        `json:"mode"`
	Phrase       string        `json:"phrase"`
	Recognized   bool          `json:"recognized"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Store persists recognition records.
type Store interface {
	// Save stores rec and fills in its ID and CreatedAt.
	Save(ctx context.Context, rec *Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

// DefaultLimit is used by callers when no explicit limit is requested.
const DefaultLimit = 20

// MaxLimit caps the number of records a single [Store.Recent] call returns.
const MaxLimit = 500

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
