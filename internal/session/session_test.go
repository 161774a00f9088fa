package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/media"
)

func TestCreateIsIdempotentAndTeardownTolerant(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	id := uuid.NewString()
	layout, err := store.Create(id)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	marker := filepath.Join(layout.Segments, "segment_0001.mp3")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Create(id); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected existing files kept: %v", err)
	}
	for _, dir := range []string{layout.Uploads, layout.Segments, layout.Transcripts, layout.Reports} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s", dir)
		}
	}

	if err := store.Teardown(id); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if store.Exists(id) {
		t.Fatal("expected session removed")
	}
	if err := store.Teardown(id); err != nil {
		t.Fatalf("teardown of missing session: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	for _, bad := range []string{"", "..", "../x", "abc", uuid.NewString() + "/.."} {
		if err := ValidateID(bad); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", bad, err)
		}
	}
	if err := ValidateID(uuid.NewString()); err != nil {
		t.Fatalf("expected valid id: %v", err)
	}
}

func TestRegistryRehydratesFromManifest(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	reg := NewRegistry(store)
	sess, err := reg.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	segs := []media.Segment{{Index: 1, Duration: 600, Name: "segment_0001.mp3"}, {Index: 2, Start: 600, Duration: 300, Name: "segment_0002.mp3"}}
	if err := reg.Update(sess, func(m *Manifest) {
		m.SourceName = "lecture.wav"
		m.Duration = 900
		m.Segments = segs
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	restarted := NewRegistry(store)
	got, err := restarted.Get(sess.ID())
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Manifest().SourceName != "lecture.wav" || len(got.Segments()) != 2 {
		t.Fatalf("manifest not restored: %+v", got.Manifest())
	}
	if seg, ok := got.SegmentByID(2); !ok || seg.Start != 600 {
		t.Fatalf("unexpected segment 2: %+v", seg)
	}
	if _, ok := got.SegmentByID(3); ok {
		t.Fatal("expected segment 3 absent")
	}

	if err := restarted.Remove(sess.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := restarted.Get(sess.ID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunGuard(t *testing.T) {
	var s Session
	if !s.TryStartRun() {
		t.Fatal("expected first run to start")
	}
	if s.TryStartRun() {
		t.Fatal("expected second run rejected")
	}
	s.EndRun()
	if !s.TryStartRun() {
		t.Fatal("expected run after end")
	}
}
