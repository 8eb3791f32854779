package store

import "context"

// History is an append-only log of applied human edits.
type History interface {
	// Record appends edits.
	Record(ctx context.Context, edits []Edit) error

	// List returns the edits of filename, newest first. limit <= 0 means no
	// limit.
	List(ctx context.Context, filename string, limit int) ([]Edit, error)

	// Ping probes the backend for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the backing connection.
	Close() error
}
