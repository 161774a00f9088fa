package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/archive"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/perf"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/loqalabs/loqa-scribe/internal/retry"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/worker"
)

type fixedProber float64

func (p fixedProber) Duration(context.Context, string) (float64, error) {
	return float64(p), nil
}

type fileTranscoder struct{}

func (fileTranscoder) Transcode(_ context.Context, job media.Job) (string, error) {
	return job.Output, os.WriteFile(job.Output, bytes.Repeat([]byte("a"), 2048), 0o644)
}

type recognizerFunc func(ctx context.Context, path string) (string, error)

func (f recognizerFunc) Transcribe(ctx context.Context, path string, _ stt.Options) (string, error) {
	return f(ctx, path)
}

func newService(t *testing.T, rec stt.Recognizer) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.Chunking.ChunkDurationSeconds = 10
	cfg.Transcription.BatchDelayMS = 0

	store, err := session.NewStore(cfg.Storage.Root)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	registry := session.NewRegistry(store)
	tracker := progress.NewTracker(progress.NewFileStore(cfg.Storage.Root), logger)
	w := worker.New(cfg.Transcription, rec, fileTranscoder{}, media.ParamsFromConfig(cfg.Chunking.Audio), tracker, nil, logger)
	w.SetPolicy(retry.Policy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		Timeouts:     []time.Duration{time.Second},
	})
	agg, err := aggregate.New(registry, tracker, archive.Noop{}, 8, logger)
	if err != nil {
		t.Fatalf("aggregator: %v", err)
	}
	svc := New(cfg, Deps{
		Sessions:   registry,
		Tracker:    tracker,
		Prober:     fixedProber(25),
		Transcoder: fileTranscoder{},
		Worker:     w,
		Aggregator: agg,
		Perf:       perf.NewFactory(cfg.Monitoring, logger),
	}, logger)
	t.Cleanup(svc.Close)
	return svc
}

func upload(t *testing.T, svc *Service) string {
	t.Helper()
	up, err := svc.Upload(context.Background(), "lecture.wav", strings.NewReader("RIFF....audio"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return up.SessionID
}

func TestFullCycleWithRetry(t *testing.T) {
	var healed atomic.Bool
	svc := newService(t, recognizerFunc(func(_ context.Context, path string) (string, error) {
		name := filepath.Base(path)
		if strings.HasPrefix(name, "segment_0002") && !healed.Load() {
			return "", &stt.Error{Kind: stt.KindFormat, Message: "unsupported audio"}
		}
		return "text of " + strings.TrimSuffix(name, ".mp3"), nil
	}))
	ctx := context.Background()
	id := upload(t, svc)

	split, err := svc.Split(ctx, id)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(split.Segments) != 3 || split.Segments[2].Duration != 5 {
		t.Fatalf("unexpected split %+v", split.Segments)
	}

	if err := svc.StartTranscription(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Wait(id)

	rec, err := svc.Progress(ctx, id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if rec.Status != progress.RunDone || rec.Done != 2 || rec.Segments[1].Status != progress.StatusError {
		t.Fatalf("unexpected record after first run: status=%s done=%d", rec.Status, rec.Done)
	}
	if rec.Segments[1].Attempts != 1 {
		t.Fatalf("format error must not be retried, attempts=%d", rec.Segments[1].Attempts)
	}

	healed.Store(true)
	ids, err := svc.Retry(ctx, id, []int{2, 2})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected duplicate ids collapsed, got %v", ids)
	}
	svc.Wait(id)

	rec, err = svc.Progress(ctx, id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if rec.Done != 3 || rec.Status != progress.RunDone {
		t.Fatalf("expected all segments done, got done=%d status=%s", rec.Done, rec.Status)
	}

	res, err := svc.Finalize(ctx, id, false)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	want := "text of segment_0001\n\ntext of segment_0002\n\ntext of segment_0003"
	if res.Transcript != want {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
	if !res.Completeness.IsComplete {
		t.Fatalf("expected complete report %+v", res.Completeness)
	}

	rec, err = svc.Progress(ctx, id)
	if err != nil || rec.Status != progress.RunNotStarted {
		t.Fatalf("expected not_started after finalize, got %v %v", rec.Status, err)
	}
}

func TestSingleRunAndForcedFinalize(t *testing.T) {
	started := make(chan struct{}, 8)
	svc := newService(t, recognizerFunc(func(ctx context.Context, _ string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx := context.Background()
	id := upload(t, svc)
	if _, err := svc.Split(ctx, id); err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := svc.StartTranscription(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	if err := svc.StartTranscription(ctx, id); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for second run, got %v", err)
	}
	if _, err := svc.Finalize(ctx, id, false); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	res, err := svc.Finalize(ctx, id, true)
	if err != nil {
		t.Fatalf("forced finalize: %v", err)
	}
	if res.Completeness.Transcribed != 0 || res.Completeness.LossRate != 100 {
		t.Fatalf("unexpected report %+v", res.Completeness)
	}
	if svc.ActiveRuns() != 0 {
		t.Fatalf("expected no active runs, got %d", svc.ActiveRuns())
	}
}

func TestProcessEndToEnd(t *testing.T) {
	svc := newService(t, recognizerFunc(func(_ context.Context, path string) (string, error) {
		return "part " + filepath.Base(path), nil
	}))
	res, err := svc.Process(context.Background(), "talk.wav", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Completeness.Total != 3 || res.Completeness.CompletionRate != 100 {
		t.Fatalf("unexpected report %+v", res.Completeness)
	}
	if strings.Count(res.Transcript, aggregate.Separator) != 2 {
		t.Fatalf("unexpected transcript %q", res.Transcript)
	}
}

func TestUploadValidation(t *testing.T) {
	svc := newService(t, stt.NewMockRecognizer())
	ctx := context.Background()
	if _, err := svc.Upload(ctx, "..", strings.NewReader("x")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected invalid filename, got %v", err)
	}
	if _, err := svc.Upload(ctx, "empty.wav", strings.NewReader("")); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected empty upload rejected, got %v", err)
	}
	up, err := svc.Upload(ctx, "../../etc/lecture.wav", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.Filename != "lecture.wav" {
		t.Fatalf("expected base name, got %q", up.Filename)
	}
}

func TestTranscribeBeforeSplitAndUnknownSession(t *testing.T) {
	svc := newService(t, stt.NewMockRecognizer())
	ctx := context.Background()
	id := upload(t, svc)
	if err := svc.StartTranscription(ctx, id); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Retry(ctx, id, []int{1}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.Abandon(ctx, id); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := svc.Split(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after abandon, got %v", err)
	}
	if _, err := svc.Progress(ctx, "not-a-uuid"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Events(ctx, id, 10); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("file backend has no timeline, got %v", err)
	}
}

func TestStartRefusedWhileRetryRuns(t *testing.T) {
	var seg2Calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	svc := newService(t, recognizerFunc(func(_ context.Context, path string) (string, error) {
		name := filepath.Base(path)
		if strings.HasPrefix(name, "segment_0002") {
			switch seg2Calls.Add(1) {
			case 1:
				return "", &stt.Error{Kind: stt.KindFormat, Message: "unsupported audio"}
			case 2:
				close(entered)
				<-release
			}
		}
		return "text of " + name, nil
	}))
	ctx := context.Background()
	id := upload(t, svc)
	if _, err := svc.Split(ctx, id); err != nil {
		t.Fatalf("split: %v", err)
	}
	if err := svc.StartTranscription(ctx, id); err != nil {
		t.Fatalf("start: %v", err)
	}
	svc.Wait(id)

	if _, err := svc.Retry(ctx, id, []int{2}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	<-entered
	if err := svc.StartTranscription(ctx, id); !errors.Is(err, apperr.ErrConflict) {
		close(release)
		t.Fatalf("expected conflict while a retry holds segment 2, got %v", err)
	}
	close(release)
	svc.Wait(id)

	rec, err := svc.Progress(ctx, id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if seg2Calls.Load() != 2 {
		t.Fatalf("expected segment 2 submitted twice in total, got %d", seg2Calls.Load())
	}
	if rec.Status != progress.RunDone || rec.Done != 3 {
		t.Fatalf("unexpected record: status=%s done=%d errors=%+v", rec.Status, rec.Done, rec.Errors)
	}
	for _, e := range rec.Errors {
		if e.Critical {
			t.Fatalf("unexpected critical error %+v", e)
		}
	}

	if err := svc.StartTranscription(ctx, id); err != nil {
		t.Fatalf("start after retry finished: %v", err)
	}
	svc.Wait(id)
}

func TestTranscribeSegmentReusesTranscript(t *testing.T) {
	var calls atomic.Int32
	svc := newService(t, recognizerFunc(func(_ context.Context, path string) (string, error) {
		calls.Add(1)
		return "text of " + filepath.Base(path), nil
	}))
	ctx := context.Background()
	id := upload(t, svc)
	if _, err := svc.Split(ctx, id); err != nil {
		t.Fatalf("split: %v", err)
	}

	first, err := svc.TranscribeSegment(ctx, id, 2)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Cached || first.TextLength == 0 || first.Attempts != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := svc.TranscribeSegment(ctx, id, 2)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Cached || second.TextLength != first.TextLength {
		t.Fatalf("expected cached result, got %+v", second)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single recognizer call, got %d", calls.Load())
	}
	if _, err := svc.TranscribeSegment(ctx, id, 9); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown segment, got %v", err)
	}
}
