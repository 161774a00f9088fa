// Package worker transcribes segments: idempotent skip, validation, repair,
// classified retries and artifact persistence, scheduled in planner-sized
// batches.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/perf"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/loqalabs/loqa-scribe/internal/retry"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// ErrHalted marks segments skipped after a credential failure.
var ErrHalted = errors.New("submission halted after authentication failure")

// Result is the outcome of one segment.
type Result struct {
	SegmentID    int
	Name         string
	Text         string
	CapturedAt   time.Time
	ProcessingMS int64
	Attempts     int
	Cached       bool
	Repaired     bool
}

// Target identifies where a session's segments come from and go to.
type Target struct {
	SessionID      string
	Source         string
	TranscriptsDir string
}

type Worker struct {
	recognizer stt.Recognizer
	transcoder media.Transcoder
	params     media.EncodingParams
	tracker    *progress.Tracker
	policy     retry.Policy
	opts       stt.Options
	minBytes   int64
	maxBytes   int64
	batchDelay time.Duration
	reuse      bool
	calls      *semaphore.Weighted
	log        *slog.Logger
	clock      func() time.Time
}

// New builds a worker. calls bounds concurrent recognizer calls across every
// session sharing it.
func New(cfg config.TranscriptionConfig, recognizer stt.Recognizer, transcoder media.Transcoder, params media.EncodingParams, tracker *progress.Tracker, calls *semaphore.Weighted, log *slog.Logger) *Worker {
	if calls == nil {
		n := int64(cfg.MaxConcurrentCalls)
		if n < 1 {
			n = 1
		}
		calls = semaphore.NewWeighted(n)
	}
	return &Worker{
		recognizer: recognizer,
		transcoder: transcoder,
		params:     params,
		tracker:    tracker,
		policy:     retry.FromConfig(cfg),
		opts:       stt.OptionsFrom(cfg),
		minBytes:   cfg.MinFileBytes,
		maxBytes:   int64(cfg.MaxFileMB) * 1024 * 1024,
		batchDelay: time.Duration(cfg.BatchDelayMS) * time.Millisecond,
		reuse:      cfg.SkipExisting,
		calls:      calls,
		log:        log.With(slog.String("component", "worker")),
		clock:      time.Now,
	}
}

// SetPolicy replaces the retry policy.
func (w *Worker) SetPolicy(p retry.Policy) {
	w.policy = p
}

// SetBatchDelay replaces the pause between batches.
func (w *Worker) SetBatchDelay(d time.Duration) {
	w.batchDelay = d
}

// Transcribe runs the per-segment procedure without touching progress.
func (w *Worker) Transcribe(ctx context.Context, target Target, seg media.Segment) (Result, error) {
	return w.transcribe(ctx, target, seg, nil)
}

// transcribe stops before the next attempt once halted is set.
func (w *Worker) transcribe(ctx context.Context, target Target, seg media.Segment, halted *atomic.Bool) (Result, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/worker").Start(ctx, "transcribe_segment")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", target.SessionID),
		attribute.Int("segment", seg.Index),
	)
	started := w.clock()
	res := Result{SegmentID: seg.Index, Name: seg.Name}

	if w.reuse {
		text, ok, err := ReadTranscript(target.TranscriptsDir, seg.Index)
		if err != nil {
			return res, fmt.Errorf("%w: read transcript: %v", apperr.ErrCritical, err)
		}
		if ok {
			res.Text = text
			res.Cached = true
			res.CapturedAt = w.clock()
			span.SetAttributes(attribute.Bool("cached", true))
			return res, nil
		}
	}

	if err := Validate(seg.Path, w.minBytes, w.maxBytes); err != nil {
		repaired, rerr := w.repair(ctx, target, seg, err)
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			return res, rerr
		}
		res.Repaired = repaired
	}

	retryable := func(err error) bool {
		return !errors.Is(err, ErrHalted) && stt.IsRetryable(err)
	}
	text, attempts, err := retry.DoGated(ctx, w.policy, w.callSlot, retryable, func(ctx context.Context, attempt int) (string, error) {
		if halted != nil && halted.Load() {
			return "", ErrHalted
		}
		text, err := w.recognizer.Transcribe(ctx, seg.Path, w.opts)
		if halted != nil && stt.IsFatal(err) {
			halted.Store(true)
		}
		return text, err
	}, func(attempt int, err error, wait time.Duration) {
		w.log.Warn("transcription attempt failed, retrying",
			slog.String("session_id", target.SessionID),
			slog.Int("segment", seg.Index),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})
	res.Attempts = attempts
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	res.Text = text
	res.CapturedAt = w.clock()
	res.ProcessingMS = res.CapturedAt.Sub(started).Milliseconds()
	meta := Metadata{
		SessionID:    target.SessionID,
		SegmentID:    seg.Index,
		SegmentName:  seg.Name,
		Timestamp:    res.CapturedAt.UTC(),
		ProcessingMS: res.ProcessingMS,
		TextLength:   len(text),
		Attempts:     attempts,
		Model:        w.opts.Model,
	}
	if err := WriteTranscript(target.TranscriptsDir, meta, text); err != nil {
		return res, fmt.Errorf("%w: %v", apperr.ErrCritical, err)
	}
	return res, nil
}

func (w *Worker) callSlot(ctx context.Context) (func(), error) {
	if err := w.calls.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { w.calls.Release(1) }, nil
}

// repair re-cuts the segment window from the source and validates again.
func (w *Worker) repair(ctx context.Context, target Target, seg media.Segment, cause error) (bool, error) {
	var verr *ValidationError
	if !errors.As(cause, &verr) || !verr.Repairable() || target.Source == "" || w.transcoder == nil {
		return false, cause
	}
	w.log.Warn("segment failed validation, attempting repair",
		slog.String("session_id", target.SessionID),
		slog.Int("segment", seg.Index),
		slog.String("reason", string(verr.Reason)))
	if _, err := w.transcoder.Transcode(ctx, media.Job{
		Input:    target.Source,
		Start:    seg.Start,
		Duration: seg.Duration,
		Output:   seg.Path,
		Params:   w.params,
	}); err != nil {
		return false, fmt.Errorf("%w (repair failed: %v)", cause, err)
	}
	if err := Validate(seg.Path, w.minBytes, w.maxBytes); err != nil {
		return false, err
	}
	w.log.Info("segment repaired", slog.String("session_id", target.SessionID), slog.Int("segment", seg.Index))
	return true, nil
}

// Run processes ids in batches of degree, pausing between batches. Each
// segment is claimed through the tracker first so a segment owned by another
// run is skipped. Per-segment failures are recorded and never stop siblings;
// a critical failure stops the run and is returned.
func (w *Worker) Run(ctx context.Context, target Target, segments []media.Segment, ids []int, degree int, monitor *perf.Monitor) error {
	if degree < 1 {
		degree = 1
	}
	byID := make(map[int]media.Segment, len(segments))
	for _, seg := range segments {
		byID[seg.Index] = seg
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var halted atomic.Bool
	var critMu sync.Mutex
	var critical error

	for start := 0; start < len(ids); start += degree {
		end := start + degree
		if end > len(ids) {
			end = len(ids)
		}
		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			seg, ok := byID[id]
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.runOne(runCtx, target, seg, &halted, monitor); err != nil {
					critMu.Lock()
					if critical == nil {
						critical = err
						cancel()
					}
					critMu.Unlock()
				}
			}()
		}
		wg.Wait()

		if critical != nil {
			return critical
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if end < len(ids) && w.batchDelay > 0 {
			select {
			case <-time.After(w.batchDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// runOne returns an error only for critical failures.
func (w *Worker) runOne(ctx context.Context, target Target, seg media.Segment, halted *atomic.Bool, monitor *perf.Monitor) error {
	claimed, err := w.tracker.Claim(ctx, target.SessionID, seg.Index)
	if err != nil {
		return err
	}
	if !claimed {
		w.log.Debug("segment not pending, skipping", slog.String("session_id", target.SessionID), slog.Int("segment", seg.Index))
		return nil
	}

	if halted.Load() {
		_, err := w.tracker.Update(ctx, target.SessionID, seg.Index, progress.StatusError, progress.Detail{Error: ErrHalted.Error()})
		return err
	}

	var size int64
	if info, err := os.Stat(seg.Path); err == nil {
		size = info.Size()
	}
	monitor.StartUnit(seg.Name, size)
	res, err := w.transcribe(ctx, target, seg, halted)
	monitor.EndUnit(seg.Name, err)

	if err != nil {
		if errors.Is(err, apperr.ErrCritical) {
			return err
		}
		if ctx.Err() != nil {
			// Interrupted, not failed: the segment stays processing and the
			// next Begin or Fail returns it to pending.
			return nil
		}
		if stt.IsFatal(err) {
			w.log.Error("authentication failure, halting new submissions",
				slog.String("session_id", target.SessionID),
				slog.String("error", err.Error()))
		}
		w.log.Warn("segment failed",
			slog.String("session_id", target.SessionID),
			slog.Int("segment", seg.Index),
			slog.Int("attempts", res.Attempts),
			slog.String("kind", string(classify(err))),
			slog.String("error", err.Error()))
		_, uerr := w.tracker.Update(context.WithoutCancel(ctx), target.SessionID, seg.Index, progress.StatusError, progress.Detail{
			Error:    err.Error(),
			Attempts: res.Attempts,
		})
		return w.lostClaim(target, seg, uerr)
	}

	_, err = w.tracker.Update(context.WithoutCancel(ctx), target.SessionID, seg.Index, progress.StatusCompleted, progress.Detail{
		Attempts:     res.Attempts,
		ProcessingMS: res.ProcessingMS,
		Cached:       res.Cached,
	})
	if err == nil {
		w.log.Debug("segment completed",
			slog.String("session_id", target.SessionID),
			slog.Int("segment", seg.Index),
			slog.Bool("cached", res.Cached),
			slog.Int("chars", len(res.Text)))
	}
	return w.lostClaim(target, seg, err)
}

// lostClaim drops a rejected final transition. The segment was reset or
// finished by someone else while this run held it, so the record already
// reflects a newer owner.
func (w *Worker) lostClaim(target Target, seg media.Segment, err error) error {
	if !errors.Is(err, progress.ErrInvalidTransition) {
		return err
	}
	w.log.Warn("segment claim lost before completion",
		slog.String("session_id", target.SessionID),
		slog.Int("segment", seg.Index),
		slog.String("error", err.Error()))
	return nil
}

// TranscribeOne handles a single segment outside a batch run. A completed
// segment whose transcript exists is answered from the artifact. A pending
// segment is claimed, transcribed and recorded. Without a progress record
// the segment is transcribed untracked.
func (w *Worker) TranscribeOne(ctx context.Context, target Target, seg media.Segment) (Result, error) {
	rec, err := w.tracker.Load(ctx, target.SessionID)
	if errors.Is(err, progress.ErrNoRecord) {
		return w.Transcribe(ctx, target, seg)
	}
	if err != nil {
		return Result{}, err
	}
	if seg.Index < 1 || seg.Index > len(rec.Segments) {
		return Result{}, fmt.Errorf("%w: %d", progress.ErrUnknownSegment, seg.Index)
	}

	switch state := rec.Segments[seg.Index-1]; state.Status {
	case progress.StatusCompleted:
		text, ok, err := ReadTranscript(target.TranscriptsDir, seg.Index)
		if err != nil {
			return Result{}, fmt.Errorf("%w: read transcript: %v", apperr.ErrCritical, err)
		}
		if !ok {
			return Result{}, fmt.Errorf("%w: segment %d is completed but its transcript is missing", apperr.ErrConflict, seg.Index)
		}
		return Result{SegmentID: seg.Index, Name: seg.Name, Text: text, Attempts: state.Attempts, Cached: true, CapturedAt: w.clock()}, nil
	case progress.StatusPending:
	default:
		return Result{}, fmt.Errorf("%w: segment %d is %s", apperr.ErrConflict, seg.Index, state.Status)
	}

	claimed, err := w.tracker.Claim(ctx, target.SessionID, seg.Index)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return Result{}, fmt.Errorf("%w: segment %d was claimed by another run", apperr.ErrConflict, seg.Index)
	}
	res, err := w.Transcribe(ctx, target, seg)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrCritical) {
			return res, err
		}
		if _, uerr := w.tracker.Update(bg, target.SessionID, seg.Index, progress.StatusError, progress.Detail{
			Error:    err.Error(),
			Attempts: res.Attempts,
		}); w.lostClaim(target, seg, uerr) != nil {
			return res, uerr
		}
		return res, err
	}
	if _, uerr := w.tracker.Update(bg, target.SessionID, seg.Index, progress.StatusCompleted, progress.Detail{
		Attempts:     res.Attempts,
		ProcessingMS: res.ProcessingMS,
		Cached:       res.Cached,
	}); w.lostClaim(target, seg, uerr) != nil {
		return res, uerr
	}
	return res, nil
}

func classify(err error) stt.Kind {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return stt.KindFormat
	}
	return stt.KindOf(err)
}
