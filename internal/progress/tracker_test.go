package progress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFileTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	root := t.TempDir()
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return NewTracker(NewFileStore(root), newLogger()), id
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("segment_%04d.mp3", i+1)
	}
	return out
}

func complete(t *testing.T, tr *Tracker, id string, seg int) Record {
	t.Helper()
	ok, err := tr.Claim(context.Background(), id, seg)
	if err != nil || !ok {
		t.Fatalf("claim %d: ok=%v err=%v", seg, ok, err)
	}
	rec, err := tr.Update(context.Background(), id, seg, StatusCompleted, Detail{Attempts: 1})
	if err != nil {
		t.Fatalf("complete %d: %v", seg, err)
	}
	return rec
}

func TestQueryNotStarted(t *testing.T) {
	tr, id := newFileTracker(t)
	rec, err := tr.Query(context.Background(), id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Status != RunNotStarted {
		t.Fatalf("expected not_started, got %s", rec.Status)
	}
}

func TestDoneMonotonicUntilReset(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(4)); err != nil {
		t.Fatalf("begin: %v", err)
	}

	last := 0
	for seg := 1; seg <= 3; seg++ {
		rec := complete(t, tr, id, seg)
		if rec.Done < last {
			t.Fatalf("done decreased from %d to %d", last, rec.Done)
		}
		last = rec.Done
	}
	if _, err := tr.Claim(ctx, id, 4); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rec, err := tr.Update(ctx, id, 4, StatusError, Detail{Error: "format", Attempts: 1})
	if err != nil {
		t.Fatalf("fail segment: %v", err)
	}
	if rec.Done != 3 || rec.Total != 4 || len(rec.Errors) != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	var removed []int
	rec, err = tr.ResetForRetry(ctx, id, []int{2, 4}, func(seg int) error {
		removed = append(removed, seg)
		return nil
	})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rec.Done != 2 {
		t.Fatalf("expected done to drop to 2 after reset, got %d", rec.Done)
	}
	if len(removed) != 2 || rec.Segments[1].Status != StatusPending || rec.Segments[3].Status != StatusPending {
		t.Fatalf("unexpected reset state %+v removed=%v", rec.Segments, removed)
	}

	rec = complete(t, tr, id, 2)
	if rec.Done != 3 {
		t.Fatalf("expected done 3 after reprocessing, got %d", rec.Done)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(2)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Update(ctx, id, 1, StatusCompleted, Detail{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed should be rejected, got %v", err)
	}
	complete(t, tr, id, 1)
	ok, err := tr.Claim(ctx, id, 1)
	if err != nil || ok {
		t.Fatalf("completed segment must not be claimable: ok=%v err=%v", ok, err)
	}
	if _, err := tr.Update(ctx, id, 9, StatusProcessing, Detail{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected unknown segment error, got %v", err)
	}
}

func TestResetRejectsInFlightAndUnknown(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(2)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tr.Claim(ctx, id, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := tr.ResetForRetry(ctx, id, []int{1}, nil); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for in-flight segment, got %v", err)
	}
	if _, err := tr.ResetForRetry(ctx, id, []int{5}, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown segment, got %v", err)
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	const n = 24
	if _, err := tr.Begin(ctx, id, names(n)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var wg sync.WaitGroup
	for seg := 1; seg <= n; seg++ {
		wg.Add(1)
		go func(seg int) {
			defer wg.Done()
			if ok, err := tr.Claim(ctx, id, seg); err != nil || !ok {
				t.Errorf("claim %d: %v", seg, err)
				return
			}
			if _, err := tr.Update(ctx, id, seg, StatusCompleted, Detail{}); err != nil {
				t.Errorf("complete %d: %v", seg, err)
			}
		}(seg)
	}
	wg.Wait()

	rec, err := tr.Query(ctx, id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rec.Done != n {
		t.Fatalf("expected %d completed, got %d (lost update)", n, rec.Done)
	}
}

func TestETAAndFinish(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.clock = func() time.Time { return start }
	if _, err := tr.Begin(ctx, id, names(4)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, _ := tr.Query(ctx, id)
	if rec.ETA != nil {
		t.Fatal("eta must be null before any completion")
	}

	complete(t, tr, id, 1)
	tr.clock = func() time.Time { return start.Add(60 * time.Second) }
	rec, _ = tr.Query(ctx, id)
	if rec.ETA == nil || *rec.ETA != 180 {
		t.Fatalf("expected eta 180s, got %v", rec.ETA)
	}

	for seg := 2; seg <= 4; seg++ {
		complete(t, tr, id, seg)
	}
	rec, err := tr.Finish(ctx, id)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if rec.Status != RunDone || rec.FinalStats == nil || rec.FinalStats.SuccessCount != 4 {
		t.Fatalf("unexpected final record %+v", rec)
	}
}

func TestFinishWaitsForOutstanding(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(2)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	complete(t, tr, id, 1)
	rec, err := tr.Finish(ctx, id)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if rec.Status != RunProcessing {
		t.Fatalf("expected processing while a segment is pending, got %s", rec.Status)
	}
}

func TestBeginResumesAfterCrash(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(3)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	complete(t, tr, id, 1)
	if _, err := tr.Claim(ctx, id, 2); err != nil {
		t.Fatalf("claim: %v", err)
	}

	rec, err := tr.Begin(ctx, id, names(3))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Segments[0].Status != StatusCompleted || rec.Segments[1].Status != StatusPending {
		t.Fatalf("unexpected resumed state %+v", rec.Segments)
	}
	if rec.Done != 1 {
		t.Fatalf("expected done preserved, got %d", rec.Done)
	}
}

func TestFailMarksCritical(t *testing.T) {
	tr, id := newFileTracker(t)
	ctx := context.Background()
	if _, err := tr.Begin(ctx, id, names(1)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec, err := tr.Fail(ctx, id, errors.New("disk full"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if rec.Status != RunError || !rec.Errors[len(rec.Errors)-1].Critical {
		t.Fatalf("expected critical error entry, got %+v", rec)
	}
}
