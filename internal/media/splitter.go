package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// SplitEvent is emitted once per finished transcode.
type SplitEvent struct {
	Segment  Segment
	Started  time.Time
	Finished time.Time
	Err      error
}

// SplitMetadata summarises a split for callers.
type SplitMetadata struct {
	TotalSegments     int     `json:"total_segments"`
	ProcessingSeconds float64 `json:"processing_seconds"`
	SegmentsPerSecond float64 `json:"segments_per_second"`
}

type SplitResult struct {
	Segments []Segment     `json:"segments"`
	Metadata SplitMetadata `json:"metadata"`
}

// Splitter cuts a recording into fixed windows in sequential batches of at
// most MaxParallel concurrent transcodes.
type Splitter struct {
	transcoder  Transcoder
	params      EncodingParams
	window      float64
	maxParallel int
	logger      *slog.Logger
	onSegment   func(SplitEvent)
	now         func() time.Time
}

type SplitterOption func(*Splitter)

// WithSegmentObserver registers fn for per-segment events. fn runs on the
// transcoding goroutine and must be safe for concurrent use.
func WithSegmentObserver(fn func(SplitEvent)) SplitterOption {
	return func(s *Splitter) { s.onSegment = fn }
}

func NewSplitter(transcoder Transcoder, params EncodingParams, windowSeconds float64, maxParallel int, logger *slog.Logger, opts ...SplitterOption) *Splitter {
	if maxParallel < 1 {
		maxParallel = 1
	}
	s := &Splitter{
		transcoder:  transcoder,
		params:      params,
		window:      windowSeconds,
		maxParallel: maxParallel,
		logger:      logger.With(slog.String("component", "splitter")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Splitter) Params() EncodingParams {
	return s.params
}

// Window returns the segment duration in seconds.
func (s *Splitter) Window() float64 {
	return s.window
}

// Split transcodes every planned segment of source into dir. The returned
// segments are in index order. Any failure removes the files already
// produced and fails the whole split.
func (s *Splitter) Split(ctx context.Context, source string, duration float64, dir string) (SplitResult, error) {
	plan, err := PlanSegments(duration, s.window, dir, s.params.Format)
	if err != nil {
		return SplitResult{}, err
	}
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/media").Start(ctx, "split")
	defer span.End()
	span.SetAttributes(
		attribute.Int("segments", len(plan)),
		attribute.Float64("duration_seconds", duration),
	)

	started := s.now()
	results := make([]Segment, len(plan))
	for batchStart := 0; batchStart < len(plan); batchStart += s.maxParallel {
		batchEnd := batchStart + s.maxParallel
		if batchEnd > len(plan) {
			batchEnd = len(plan)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := batchStart; i < batchEnd; i++ {
			seg := plan[i]
			idx := i
			g.Go(func() error {
				out, err := s.transcodeOne(gctx, source, seg)
				if err != nil {
					return err
				}
				seg.Path = out
				results[idx] = seg
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.cleanup(plan)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("split failed", slog.String("source", source), slog.String("error", err.Error()))
			return SplitResult{}, err
		}
		s.logger.Debug("split batch complete",
			slog.Int("from", plan[batchStart].Index),
			slog.Int("to", plan[batchEnd-1].Index),
			slog.Int("total", len(plan)))
	}

	elapsed := s.now().Sub(started).Seconds()
	meta := SplitMetadata{TotalSegments: len(results), ProcessingSeconds: elapsed}
	if elapsed > 0 {
		meta.SegmentsPerSecond = float64(len(results)) / elapsed
	}
	s.logger.Info("split complete",
		slog.Int("segments", len(results)),
		slog.Float64("seconds", elapsed))
	return SplitResult{Segments: results, Metadata: meta}, nil
}

func (s *Splitter) transcodeOne(ctx context.Context, source string, seg Segment) (string, error) {
	begin := s.now()
	out, err := s.transcoder.Transcode(ctx, Job{
		Input:    source,
		Start:    seg.Start,
		Duration: seg.Duration,
		Output:   seg.Path,
		Params:   s.params,
	})
	if err != nil {
		err = fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	if s.onSegment != nil {
		s.onSegment(SplitEvent{Segment: seg, Started: begin, Finished: s.now(), Err: err})
	}
	return out, err
}

func (s *Splitter) cleanup(plan []Segment) {
	for _, seg := range plan {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove partial segment", slog.String("path", seg.Path), slog.String("error", err.Error()))
		}
	}
}
