package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/archive"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Separator joins segment transcripts.
const Separator = "\n\n"

// Result is what a finalized session leaves behind.
type Result struct {
	SessionID    string    `json:"session_id"`
	Transcript   string    `json:"transcript"`
	Completeness Report    `json:"completeness"`
	FinalizedAt  time.Time `json:"finalized_at"`
}

type Aggregator struct {
	sessions *session.Registry
	tracker  *progress.Tracker
	sink     archive.Sink
	log      *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, Result]
	now   func() time.Time
}

// New returns an aggregator remembering the last cacheSize finalized
// sessions so a repeated finalize returns the same result.
func New(sessions *session.Registry, tracker *progress.Tracker, sink archive.Sink, cacheSize int, log *slog.Logger) (*Aggregator, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create finalize cache: %w", err)
	}
	if sink == nil {
		sink = archive.Noop{}
	}
	return &Aggregator{
		sessions: sessions,
		tracker:  tracker,
		sink:     sink,
		log:      log.With(slog.String("component", "aggregator")),
		cache:    cache,
		now:      time.Now,
	}, nil
}

// Finalize joins the available transcripts in segment order, archives them
// and tears the session down. Without force it refuses while segments are
// still pending or processing. Missing transcripts only lower the
// completion rate.
func (a *Aggregator) Finalize(ctx context.Context, sessionID string, force bool) (Result, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/aggregate").Start(ctx, "finalize")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Bool("force", force))

	a.mu.Lock()
	defer a.mu.Unlock()

	if res, ok := a.cache.Get(sessionID); ok {
		return res, nil
	}

	sess, err := a.sessions.Get(sessionID)
	if err != nil {
		return Result{}, err
	}

	rec, err := a.tracker.Load(ctx, sessionID)
	switch {
	case errors.Is(err, progress.ErrNoRecord):
		rec = progress.Record{}
	case err != nil:
		return Result{}, fmt.Errorf("load progress: %w", err)
	}
	if n := rec.Outstanding(); n > 0 && !force {
		return Result{}, fmt.Errorf("%w: %d segments still pending or processing", apperr.ErrConflict, n)
	}

	segments := sess.Segments()
	total := len(segments)
	if rec.Total > total {
		total = rec.Total
	}

	var (
		parts  []string
		failed []FailedSegment
	)
	for id := 1; id <= total; id++ {
		text, ok, err := worker.ReadTranscript(sess.Layout.Transcripts, id)
		if err != nil {
			a.log.Warn("transcript unreadable",
				slog.String("session_id", sessionID),
				slog.Int("segment", id),
				slog.String("error", err.Error()))
		}
		if ok && err == nil {
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		failed = append(failed, failedSegment(id, segments, rec))
	}

	report := ComputeReport(total, total-len(failed))
	report.FailedSegments = failed

	res := Result{
		SessionID:    sessionID,
		Transcript:   strings.Join(parts, Separator),
		Completeness: report,
		FinalizedAt:  a.now().UTC(),
	}

	if report.HasSignificantLoss {
		a.log.Warn("transcript has significant loss",
			slog.String("session_id", sessionID),
			slog.Float64("loss_rate", report.LossRate),
			slog.Int("lost_segments", report.Lost))
	}

	entry := archive.Entry{
		SessionID:      sessionID,
		SourceName:     sess.Manifest().SourceName,
		Transcript:     res.Transcript,
		Total:          report.Total,
		Transcribed:    report.Transcribed,
		CompletionRate: report.CompletionRate,
		LossRate:       report.LossRate,
		CreatedAt:      res.FinalizedAt,
	}
	if err := a.sink.Store(ctx, entry); err != nil {
		a.log.Error("failed to archive transcript",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	if err := a.tracker.Delete(ctx, sessionID); err != nil {
		a.log.Warn("failed to delete progress record",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	if err := a.sessions.Remove(sessionID); err != nil {
		a.log.Warn("failed to tear down session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	a.cache.Add(sessionID, res)
	a.log.Info("session finalized",
		slog.String("session_id", sessionID),
		slog.Float64("completion_rate", report.CompletionRate),
		slog.Int("transcribed", report.Transcribed),
		slog.Int("total", report.Total))
	return res, nil
}

// Forget drops a cached result.
func (a *Aggregator) Forget(sessionID string) {
	a.cache.Remove(sessionID)
}

func failedSegment(id int, segments []media.Segment, rec progress.Record) FailedSegment {
	fs := FailedSegment{ID: id, Status: "missing"}
	if id <= len(segments) {
		fs.Name = segments[id-1].Name
	}
	if id <= len(rec.Segments) {
		st := rec.Segments[id-1]
		fs.Status = string(st.Status)
		fs.Error = st.Error
		if fs.Name == "" {
			fs.Name = st.Name
		}
	}
	return fs
}
