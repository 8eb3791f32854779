// Package sqlite records human annotation edits in an embedded SQLite
// database, for deployments without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sakihiromi/well-scenario/internal/store"
)

var _ store.History = (*History)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS annotation_edits (
	id         TEXT    PRIMARY KEY,
	filename   TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	metric     TEXT    NOT NULL,
	score      INTEGER NOT NULL,
	note       TEXT    NOT NULL DEFAULT '',
	previous   INTEGER,
	machine    INTEGER,
	edited_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotation_edits_filename_time
	ON annotation_edits (filename, edited_at DESC);
`

// timeLayout has a fixed width so that edited_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// History is a [store.History] stored in a single SQLite file.
type History struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite history: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite history: migrate: %w", err)
	}
	return &History{db: db}, nil
}

// Record implements [store.History]. The edits are written in one
// transaction.
func (h *History) Record(ctx context.Context, edits []store.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite history: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO annotation_edits
		 (id, filename, position, metric, score, note, previous, machine, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite history: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range edits {
		_, err := stmt.ExecContext(ctx,
			e.ID.String(), e.Filename, e.Position, e.Metric, e.Score, e.Note,
			nullInt(e.Previous), nullInt(e.Machine), e.EditedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("sqlite history: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite history: commit: %w", err)
	}
	return nil
}

// List implements [store.History].
func (h *History) List(ctx context.Context, filename string, limit int) ([]store.Edit, error) {
	q := `SELECT id, filename, position, metric, score, note, previous, machine, edited_at
	      FROM annotation_edits
	      WHERE filename = ?
	      ORDER BY edited_at DESC, position, metric`
	args := []any{filename}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite history: list: %w", err)
	}
	defer rows.Close()

	edits := []store.Edit{}
	for rows.Next() {
		var (
			e                 store.Edit
			id, editedAt      string
			previous, machine sql.NullInt64
		)
		if err := rows.Scan(&id, &e.Filename, &e.Position, &e.Metric, &e.Score, &e.Note, &previous, &machine, &editedAt); err != nil {
			return nil, fmt.Errorf("sqlite history: scan: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite history: parse id %q: %w", id, err)
		}
		if e.EditedAt, err = time.Parse(timeLayout, editedAt); err != nil {
			return nil, fmt.Errorf("sqlite history: parse time %q: %w", editedAt, err)
		}
		e.Previous = intFrom(previous)
		e.Machine = intFrom(machine)
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite history: rows: %w", err)
	}
	return edits, nil
}

// Ping checks that the database file is usable.
func (h *History) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Close implements [store.History].
func (h *History) Close() error {
	return h.db.Close()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFrom(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
