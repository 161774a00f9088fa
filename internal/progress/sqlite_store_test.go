package progress

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func openSQLite(t *testing.T, cfg config.ProgressConfig) *SQLiteStore {
	t.Helper()
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(t.TempDir(), "progress.db")
	}
	store, err := OpenSQLite(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteTrackerTimeline(t *testing.T) {
	store := openSQLite(t, config.ProgressConfig{})
	tr := NewTracker(store, newLogger())
	ctx := context.Background()
	id := "4b7f1c9e-2d3a-4f6b-8c1d-9e0f1a2b3c4d"

	if _, err := store.Load(ctx, id); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected no record, got %v", err)
	}
	if _, err := tr.Begin(ctx, id, names(2)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	complete(t, tr, id, 1)
	if _, err := tr.Claim(ctx, id, 2); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := tr.Update(ctx, id, 2, StatusError, Detail{Error: "rate limited"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec, err := tr.Query(ctx, id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Done != 1 || rec.Segments[1].Error != "rate limited" {
		t.Fatalf("unexpected record %+v", rec)
	}

	events, err := store.ListEvents(ctx, id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"segment.processing", "segment.completed", "segment.processing", "segment.error"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.Type)
		}
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, _ = store.ListEvents(ctx, id, 10)
	if len(events) != 0 {
		t.Fatalf("expected timeline removed with the record")
	}
}

func TestSQLitePrune(t *testing.T) {
	store := openSQLite(t, config.ProgressConfig{RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()
	seed := func(id string) {
		if _, err := store.Update(ctx, id, func(rec *Record) error {
			rec.Status = RunDone
			return nil
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	seed("old-session")
	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	seed("new-session")
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := store.Load(ctx, "old-session"); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("expected old session pruned, got %v", err)
	}
	if _, err := store.Load(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
