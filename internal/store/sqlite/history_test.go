package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sakihiromi/well-scenario/internal/store"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_RecordAndList(t *testing.T) {
	t.Parallel()

	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	seven, three := 7, 3

	edits := []store.Edit{
		{ID: uuid.New(), Filename: "a.json", Position: 0, Metric: "偏り度", Score: 4, EditedAt: base, Machine: &seven},
		{ID: uuid.New(), Filename: "a.json", Position: 2, Metric: "威圧度", Score: 1, Note: "n", EditedAt: base.Add(time.Minute), Previous: &three},
		{ID: uuid.New(), Filename: "b.json", Position: 0, Metric: "偏り度", Score: 9, EditedAt: base},
	}
	if err := h.Record(ctx, edits); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := h.List(ctx, "a.json", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d edits, want 2", len(got))
	}
	if got[0].ID != edits[1].ID || *got[0].Previous != 3 || got[0].Machine != nil || got[0].Note != "n" {
		t.Errorf("newest edit = %+v", got[0])
	}
	if !got[1].EditedAt.Equal(base) || *got[1].Machine != 7 || got[1].Previous != nil {
		t.Errorf("oldest edit = %+v", got[1])
	}

	limited, err := h.List(ctx, "a.json", 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("List limit 1 = %d, %v", len(limited), err)
	}
}

func TestHistory_EmptyRecordAndList(t *testing.T) {
	t.Parallel()

	h := newTestHistory(t)
	if err := h.Record(context.Background(), nil); err != nil {
		t.Fatalf("Record(nil): %v", err)
	}
	got, err := h.List(context.Background(), "none.json", 0)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("List = %v, %v; want empty non-nil", got, err)
	}
}

func TestHistory_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := store.Edit{ID: uuid.New(), Filename: "a.json", Metric: "偏り度", Score: 2, EditedAt: time.Now()}
	if err := h.Record(context.Background(), []store.Edit{e}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	h.Close()

	h2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()
	got, err := h2.List(context.Background(), "a.json", 0)
	if err != nil || len(got) != 1 || got[0].ID != e.ID {
		t.Errorf("after reopen List = %+v, %v", got, err)
	}
}
