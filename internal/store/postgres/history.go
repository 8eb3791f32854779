// Package postgres records human annotation edits in PostgreSQL.
//
// Usage:
//
//	h, err := postgres.NewHistory(ctx, dsn)
//	if err != nil { … }
//	defer h.Close()
//	_ = h.Record(ctx, edits)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sakihiromi/well-scenario/internal/store"
)

var _ store.History = (*History)(nil)

const ddlAnnotationEdits = `
CREATE TABLE IF NOT EXISTS annotation_edits (
    id          UUID         PRIMARY KEY,
    filename    TEXT         NOT NULL,
    position    INTEGER      NOT NULL,
    metric      TEXT         NOT NULL,
    score       SMALLINT     NOT NULL,
    note        TEXT         NOT NULL DEFAULT '',
    previous    SMALLINT,
    machine     SMALLINT,
    edited_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_annotation_edits_filename_time
    ON annotation_edits (filename, edited_at DESC);
`

// History is a [store.History] backed by a pgx connection pool. Safe for
// concurrent use.
type History struct {
	pool *pgxpool.Pool
}

// NewHistory connects to dsn, verifies the connection and runs [Migrate].
func NewHistory(ctx context.Context, dsn string) (*History, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: migrate: %w", err)
	}
	return &History{pool: pool}, nil
}

// Migrate creates the annotation_edits table. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlAnnotationEdits); err != nil {
		return fmt.Errorf("annotation_edits: %w", err)
	}
	return nil
}

// Record implements [store.History]. All edits are written in one batch.
func (h *History) Record(ctx context.Context, edits []store.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	const q = `
		INSERT INTO annotation_edits
		    (id, filename, position, metric, score, note, previous, machine, edited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, e := range edits {
		batch.Queue(q, e.ID, e.Filename, e.Position, e.Metric, e.Score, e.Note, e.Previous, e.Machine, e.EditedAt)
	}
	if err := h.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres history: record: %w", err)
	}
	return nil
}

// List implements [store.History].
func (h *History) List(ctx context.Context, filename string, limit int) ([]store.Edit, error) {
	q := `
		SELECT id, filename, position, metric, score, note, previous, machine, edited_at
		FROM   annotation_edits
		WHERE  filename = $1
		ORDER  BY edited_at DESC, position, metric`
	args := []any{filename}
	if limit > 0 {
		args = append(args, limit)
		q += "\nLIMIT $2"
	}

	rows, err := h.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres history: list: %w", err)
	}
	edits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Edit, error) {
		var e store.Edit
		err := row.Scan(&e.ID, &e.Filename, &e.Position, &e.Metric, &e.Score, &e.Note, &e.Previous, &e.Machine, &e.EditedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: scan rows: %w", err)
	}
	if edits == nil {
		edits = []store.Edit{}
	}
	return edits, nil
}

// Ping checks that the database is reachable.
func (h *History) Ping(ctx context.Context) error {
	return h.pool.Ping(ctx)
}

// Close implements [store.History].
func (h *History) Close() error {
	h.pool.Close()
	return nil
}
