package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/apperr"
)

// Observer is told about every persisted segment transition.
type Observer func(rec Record, seg SegmentState)

// Detail carries the optional fields of a transition.
type Detail struct {
	Error        string
	Attempts     int
	ProcessingMS int64
	Cached       bool
}

// Tracker applies segment transitions to the stored record, one atomic
// store update per transition.
type Tracker struct {
	store       Store
	log         *slog.Logger
	clock       func() time.Time
	observer    Observer
	logInterval int
}

type TrackerOption func(*Tracker)

func WithObserver(fn Observer) TrackerOption {
	return func(t *Tracker) { t.observer = fn }
}

// WithLogInterval logs a progress line every n completions.
func WithLogInterval(n int) TrackerOption {
	return func(t *Tracker) { t.logInterval = n }
}

func NewTracker(store Store, log *slog.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		log:   log.With(slog.String("component", "progress")),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) now() time.Time {
	return t.clock().UTC()
}

// Begin starts or resumes a run over names. Completed segments of an
// existing record with the same shape are kept; segments left processing by
// a crashed run go back to pending.
func (t *Tracker) Begin(ctx context.Context, sessionID string, names []string) (Record, error) {
	rec, err := t.store.Update(ctx, sessionID, func(rec *Record) error {
		now := t.now()
		if rec.exists() && len(rec.Segments) == len(names) {
			for i := range rec.Segments {
				if rec.Segments[i].Status == StatusProcessing {
					rec.Segments[i].Status = StatusPending
					rec.Segments[i].StartedAt = nil
				}
			}
		} else {
			rec.Segments = make([]SegmentState, len(names))
			for i, name := range names {
				rec.Segments[i] = SegmentState{ID: i + 1, Name: name, Status: StatusPending}
			}
			rec.Errors = []ErrorEntry{}
			rec.StartedAt = &now
		}
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		rec.Status = RunProcessing
		rec.Current = nil
		rec.FinalStats = nil
		rec.recount()
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("%w: begin progress: %v", apperr.ErrCritical, err)
	}
	return rec, nil
}

// Claim moves a segment from pending to processing. It reports false when
// the segment is not pending, for example because another run owns it.
func (t *Tracker) Claim(ctx context.Context, sessionID string, segmentID int) (bool, error) {
	_, err := t.Update(ctx, sessionID, segmentID, StatusProcessing, Detail{})
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update applies one transition and persists the whole record.
func (t *Tracker) Update(ctx context.Context, sessionID string, segmentID int, to Status, d Detail) (Record, error) {
	var changed SegmentState
	rec, err := t.store.Update(ctx, sessionID, func(rec *Record) error {
		if !rec.exists() {
			return ErrNoRecord
		}
		seg, err := rec.segment(segmentID)
		if err != nil {
			return err
		}
		if !validTransition(seg.Status, to) {
			return fmt.Errorf("%w: segment %d %s -> %s", ErrInvalidTransition, segmentID, seg.Status, to)
		}
		now := t.now()
		seg.Status = to
		switch to {
		case StatusProcessing:
			seg.StartedAt = &now
			seg.EndedAt = nil
			seg.Error = ""
			seg.Cached = false
			seg.ProcessingMS = 0
			rec.Current = &Current{ID: seg.ID, Name: seg.Name, StartedAt: now}
		case StatusCompleted, StatusError:
			seg.EndedAt = &now
			seg.Attempts = d.Attempts
			seg.Cached = d.Cached
			seg.ProcessingMS = d.ProcessingMS
			if seg.ProcessingMS == 0 && seg.StartedAt != nil {
				seg.ProcessingMS = now.Sub(*seg.StartedAt).Milliseconds()
			}
			if to == StatusError {
				seg.Error = d.Error
				rec.Errors = append(rec.Errors, ErrorEntry{Segment: seg.ID, Error: d.Error, Timestamp: now})
			}
			if rec.Current != nil && rec.Current.ID == seg.ID {
				rec.Current = nil
			}
		}
		rec.recount()
		changed = *seg
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNoRecord) || errors.Is(err, ErrUnknownSegment) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: persist progress: %v", apperr.ErrCritical, err)
	}

	if to == StatusCompleted {
		t.maybeLogProgress(rec)
	}
	if t.observer != nil {
		t.observer(rec.Clone(), changed)
	}
	return rec, nil
}

func (t *Tracker) maybeLogProgress(rec Record) {
	if t.logInterval <= 0 || rec.Done == 0 || (rec.Done%t.logInterval != 0 && rec.Done != rec.Total) {
		return
	}
	attrs := []any{
		slog.String("session_id", rec.SessionID),
		slog.Int("done", rec.Done),
		slog.Int("total", rec.Total),
	}
	if eta := estimate(rec, t.now()); eta != nil {
		attrs = append(attrs, slog.Float64("eta_seconds", *eta))
	}
	t.log.Info("transcription progress", attrs...)
}

// Query returns the record with a fresh ETA, or a not_started placeholder.
func (t *Tracker) Query(ctx context.Context, sessionID string) (Record, error) {
	rec, err := t.store.Load(ctx, sessionID)
	if errors.Is(err, ErrNoRecord) {
		return Record{SessionID: sessionID, Status: RunNotStarted}, nil
	}
	if err != nil {
		return Record{}, err
	}
	rec.ETA = estimate(rec, t.now())
	return rec, nil
}

// estimate derives (total-done)/rate with rate = done/elapsed.
func estimate(rec Record, now time.Time) *float64 {
	if rec.Done == 0 || rec.StartedAt == nil {
		return nil
	}
	elapsed := now.Sub(*rec.StartedAt).Seconds()
	if elapsed <= 0 {
		return nil
	}
	rate := float64(rec.Done) / elapsed
	eta := float64(rec.Total-rec.Done) / rate
	return &eta
}

// ResetForRetry returns the given segments to pending so the next cycle
// processes them again. remove is called for each id before its state is
// reset and must delete any transcript artifacts. Ids that are unknown or
// currently processing reject the whole request.
func (t *Tracker) ResetForRetry(ctx context.Context, sessionID string, ids []int, remove func(id int) error) (Record, error) {
	if len(ids) == 0 {
		return Record{}, fmt.Errorf("%w: no segment ids given", apperr.ErrValidation)
	}
	rec, err := t.store.Update(ctx, sessionID, func(rec *Record) error {
		if !rec.exists() {
			return ErrNoRecord
		}
		for _, id := range ids {
			seg, err := rec.segment(id)
			if err != nil {
				return err
			}
			if seg.Status == StatusProcessing {
				return fmt.Errorf("%w: segment %d is in flight", apperr.ErrConflict, id)
			}
		}
		for _, id := range ids {
			if remove != nil {
				if err := remove(id); err != nil {
					return fmt.Errorf("%w: remove artifacts of segment %d: %v", apperr.ErrCritical, id, err)
				}
			}
			seg, _ := rec.segment(id)
			*seg = SegmentState{ID: seg.ID, Name: seg.Name, Status: StatusPending}
		}
		rec.Status = RunProcessing
		rec.FinalStats = nil
		rec.recount()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	t.log.Info("segments reset for retry",
		slog.String("session_id", sessionID),
		slog.Any("segments", ids),
		slog.Int("done", rec.Done),
		slog.Int("total", rec.Total))
	return rec, nil
}

// Fail records a critical, run-ending error. Segments interrupted while
// processing go back to pending.
func (t *Tracker) Fail(ctx context.Context, sessionID string, cause error) (Record, error) {
	return t.store.Update(ctx, sessionID, func(rec *Record) error {
		if !rec.exists() {
			return ErrNoRecord
		}
		for i := range rec.Segments {
			if rec.Segments[i].Status == StatusProcessing {
				rec.Segments[i].Status = StatusPending
				rec.Segments[i].StartedAt = nil
			}
		}
		rec.Status = RunError
		rec.Current = nil
		rec.Errors = append(rec.Errors, ErrorEntry{Error: cause.Error(), Critical: true, Timestamp: t.now()})
		return nil
	})
}

// Finish marks the run done once nothing is pending or processing and
// records the final statistics. A run already in error keeps that status.
func (t *Tracker) Finish(ctx context.Context, sessionID string) (Record, error) {
	return t.store.Update(ctx, sessionID, func(rec *Record) error {
		if !rec.exists() {
			return ErrNoRecord
		}
		if rec.Outstanding() > 0 {
			return nil
		}
		now := t.now()
		stats := &FinalStats{
			SuccessCount: rec.Done,
			ErrorCount:   len(rec.IDsWithStatus(StatusError)),
		}
		if rec.StartedAt != nil {
			stats.TotalSeconds = now.Sub(*rec.StartedAt).Seconds()
			if stats.TotalSeconds > 0 {
				stats.SegmentsPerSecond = float64(rec.Total) / stats.TotalSeconds
			}
		}
		rec.FinalStats = stats
		rec.Current = nil
		if rec.Status != RunError {
			rec.Status = RunDone
		}
		return nil
	})
}

// Load returns the stored record without deriving anything.
func (t *Tracker) Load(ctx context.Context, sessionID string) (Record, error) {
	return t.store.Load(ctx, sessionID)
}

func (t *Tracker) Delete(ctx context.Context, sessionID string) error {
	return t.store.Delete(ctx, sessionID)
}
