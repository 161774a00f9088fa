// Package pipeline wires the session store, splitter, worker, progress
// tracker and aggregator into the operations exposed by the transports.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/perf"
	"github.com/loqalabs/loqa-scribe/internal/planner"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Deps are the collaborators of a Service. Bus may be nil.
type Deps struct {
	Sessions   *session.Registry
	Tracker    *progress.Tracker
	Prober     media.Prober
	Transcoder media.Transcoder
	Worker     *worker.Worker
	Aggregator *aggregate.Aggregator
	Perf       *perf.Factory
	Bus        *bus.Client
}

// UploadResult acknowledges a stored upload.
type UploadResult struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
}

// Timeline is implemented by progress stores that keep a transition log.
type Timeline interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]progress.Event, error)
}

// sessionRuns tracks the background runs of one session. gate orders a
// main run's Begin against retries so Begin never resets a segment that a
// live run holds.
type sessionRuns struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	gate   sync.Mutex
	active atomic.Int32
}

// SegmentResult is the outcome of transcribing one segment on request.
type SegmentResult struct {
	SessionID    string `json:"session_id"`
	SegmentID    int    `json:"segment_id"`
	Cached       bool   `json:"cached"`
	TextLength   int    `json:"text_length"`
	Attempts     int    `json:"attempts"`
	ProcessingMS int64  `json:"processing_time_ms"`
}

type Service struct {
	cfg      config.Config
	deps     Deps
	planner  planner.Planner
	params   media.EncodingParams
	log      *slog.Logger
	timeline Timeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runs       map[string]*sessionRuns
	activeRuns atomic.Int64
}

func New(cfg config.Config, deps Deps, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg,
		deps:    deps,
		planner: planner.FromConfig(cfg.Transcription.Parallelism),
		params:  media.ParamsFromConfig(cfg.Chunking.Audio),
		log:     log.With(slog.String("component", "pipeline")),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*sessionRuns),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// SetTimeline enables Events for stores that record transitions.
func (s *Service) SetTimeline(t Timeline) {
	s.timeline = t
}

// Close cancels every background run and waits for them to stop.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Upload stores the recording under a new session.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	name, err := cleanFilename(filename)
	if err != nil {
		return UploadResult{}, err
	}
	sess, err := s.deps.Sessions.Create()
	if err != nil {
		return UploadResult{}, err
	}

	dest := filepath.Join(sess.Layout.Uploads, name)
	size, err := s.store(dest, r)
	if err != nil {
		_ = s.deps.Sessions.Remove(sess.ID())
		return UploadResult{}, err
	}
	if err := s.deps.Sessions.Update(sess, func(m *session.Manifest) {
		m.SourceName = name
		m.SourcePath = dest
	}); err != nil {
		_ = s.deps.Sessions.Remove(sess.ID())
		return UploadResult{}, err
	}

	s.log.Info("upload stored",
		slog.String("session_id", sess.ID()),
		slog.String("filename", name),
		slog.String("size", humanize.IBytes(uint64(size))))
	return UploadResult{SessionID: sess.ID(), Filename: name, Size: size}, nil
}

func (s *Service) store(dest string, r io.Reader) (int64, error) {
	limit := int64(s.cfg.HTTP.MaxUploadMB) * 1024 * 1024
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create upload: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if limit > 0 && n > limit {
		return 0, fmt.Errorf("%w: upload exceeds %s", apperr.ErrValidation, humanize.IBytes(uint64(limit)))
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: empty upload", apperr.ErrValidation)
	}
	return n, nil
}

func cleanFilename(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("%w: invalid filename %q", apperr.ErrValidation, name)
	}
	return base, nil
}

// Split probes the upload and cuts it into segments. A session that has
// already been split returns its existing plan.
func (s *Service) Split(ctx context.Context, sessionID string) (media.SplitResult, error) {
	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return media.SplitResult{}, err
	}
	m := sess.Manifest()
	if len(m.Segments) > 0 {
		return media.SplitResult{
			Segments: m.Segments,
			Metadata: media.SplitMetadata{TotalSegments: len(m.Segments)},
		}, nil
	}
	if m.SourcePath == "" {
		return media.SplitResult{}, fmt.Errorf("%w: session %s has no upload", apperr.ErrValidation, sessionID)
	}
	if !sess.TryStartRun() {
		return media.SplitResult{}, fmt.Errorf("%w: session %s is busy", apperr.ErrConflict, sessionID)
	}
	defer sess.EndRun()

	duration, err := s.deps.Prober.Duration(ctx, m.SourcePath)
	if err != nil {
		return media.SplitResult{}, fmt.Errorf("%w: probe duration: %v", apperr.ErrValidation, err)
	}

	monitor := s.deps.Perf.New(sessionID, perf.OpSplitting)
	splitter := media.NewSplitter(s.deps.Transcoder, s.params,
		float64(s.cfg.Chunking.ChunkDurationSeconds), s.cfg.Chunking.MaxParallelSplitting, s.log,
		media.WithSegmentObserver(func(ev media.SplitEvent) {
			var size int64
			if info, err := os.Stat(ev.Segment.Path); err == nil {
				size = info.Size()
			}
			monitor.RecordUnit(ev.Segment.Name, size, ev.Started, ev.Finished, ev.Err)
			s.publish(protocol.SubjectSplitSegment, splitEvent(sessionID, ev))
		}))

	res, err := splitter.Split(ctx, m.SourcePath, duration, sess.Layout.Segments)
	monitor.Finish(sess.Layout.Reports)
	if err != nil {
		return media.SplitResult{}, fmt.Errorf("split %s: %w", sessionID, err)
	}
	if err := s.deps.Sessions.Update(sess, func(m *session.Manifest) {
		m.Duration = duration
		m.Segments = res.Segments
	}); err != nil {
		return media.SplitResult{}, fmt.Errorf("%w: save manifest: %v", apperr.ErrCritical, err)
	}
	return res, nil
}

func splitEvent(sessionID string, ev media.SplitEvent) protocol.SplitEvent {
	out := protocol.SplitEvent{
		SessionID: sessionID,
		SegmentID: ev.Segment.Index,
		Name:      ev.Segment.Name,
		Start:     ev.Segment.Start,
		Duration:  ev.Segment.Duration,
		Timestamp: ev.Finished.UTC(),
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

// StartTranscription begins the main run of a split session in the
// background. Only one main run per session may be active.
func (s *Service) StartTranscription(ctx context.Context, sessionID string) error {
	r := s.runsFor(sessionID)
	r.gate.Lock()
	defer r.gate.Unlock()
	sess, ids, err := s.begin(ctx, r, sessionID)
	if err != nil {
		return err
	}
	s.launch(r, func(runCtx context.Context) {
		defer sess.EndRun()
		_ = s.execute(runCtx, sess, ids)
	})
	return nil
}

// begin claims the main-run slot and initializes or resumes progress. The
// caller holds r.gate.
func (s *Service) begin(ctx context.Context, r *sessionRuns, sessionID string) (*session.Session, []int, error) {
	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	segments := sess.Segments()
	if len(segments) == 0 {
		return nil, nil, fmt.Errorf("%w: session %s has not been split", apperr.ErrValidation, sessionID)
	}
	if r.active.Load() > 0 {
		return nil, nil, fmt.Errorf("%w: a run is still in progress for %s", apperr.ErrConflict, sessionID)
	}
	if !sess.TryStartRun() {
		return nil, nil, fmt.Errorf("%w: transcription already running for %s", apperr.ErrConflict, sessionID)
	}
	names := make([]string, len(segments))
	for i, seg := range segments {
		names[i] = seg.Name
	}
	rec, err := s.deps.Tracker.Begin(ctx, sessionID, names)
	if err != nil {
		sess.EndRun()
		return nil, nil, err
	}
	return sess, rec.IDsWithStatus(progress.StatusPending), nil
}

// Retry resets the given segments and reprocesses them in the background.
func (s *Service) Retry(ctx context.Context, sessionID string, ids []int) ([]int, error) {
	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Segments()) == 0 {
		return nil, fmt.Errorf("%w: session %s has not been split", apperr.ErrValidation, sessionID)
	}
	ids = dedupe(ids)
	dir := sess.Layout.Transcripts
	r := s.runsFor(sessionID)
	r.gate.Lock()
	defer r.gate.Unlock()
	if _, err := s.deps.Tracker.ResetForRetry(ctx, sessionID, ids, func(id int) error {
		return worker.RemoveTranscript(dir, id)
	}); err != nil {
		return nil, err
	}
	s.launch(r, func(runCtx context.Context) {
		_ = s.execute(runCtx, sess, ids)
	})
	return ids, nil
}

// TranscribeSegment transcribes one segment synchronously. A segment that
// already has a transcript is answered without calling the recognizer.
func (s *Service) TranscribeSegment(ctx context.Context, sessionID string, segmentID int) (SegmentResult, error) {
	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		return SegmentResult{}, err
	}
	if len(sess.Segments()) == 0 {
		return SegmentResult{}, fmt.Errorf("%w: session %s has not been split", apperr.ErrValidation, sessionID)
	}
	seg, ok := sess.SegmentByID(segmentID)
	if !ok {
		return SegmentResult{}, fmt.Errorf("%w: segment %d of %s", apperr.ErrNotFound, segmentID, sessionID)
	}

	// Holding the gate keeps a concurrent Begin from resetting the claim.
	r := s.runsFor(sessionID)
	r.gate.Lock()
	r.active.Add(1)
	r.gate.Unlock()
	defer r.active.Add(-1)

	m := sess.Manifest()
	target := worker.Target{SessionID: sessionID, Source: m.SourcePath, TranscriptsDir: sess.Layout.Transcripts}
	res, err := s.deps.Worker.TranscribeOne(ctx, target, seg)
	if err != nil {
		return SegmentResult{}, err
	}
	return SegmentResult{
		SessionID:    sessionID,
		SegmentID:    segmentID,
		Cached:       res.Cached,
		TextLength:   len(res.Text),
		Attempts:     res.Attempts,
		ProcessingMS: res.ProcessingMS,
	}, nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// execute transcribes ids and closes the run in the tracker. Cancellation
// leaves interrupted segments for the next run instead of failing them.
func (s *Service) execute(ctx context.Context, sess *session.Session, ids []int) error {
	sessionID := sess.ID()
	segments := sess.Segments()
	m := sess.Manifest()

	paths := make([]string, 0, len(ids))
	for _, id := range ids {
		if seg, ok := sess.SegmentByID(id); ok {
			paths = append(paths, seg.Path)
		}
	}
	avg := planner.AverageSize(paths)
	degree := s.planner.Degree(avg, len(ids))
	s.log.Info("transcription run starting",
		slog.String("session_id", sessionID),
		slog.Int("segments", len(ids)),
		slog.Int("parallel", degree),
		slog.String("avg_size", humanize.IBytes(uint64(avg))))

	monitor := s.deps.Perf.New(sessionID, perf.OpTranscription)
	target := worker.Target{SessionID: sessionID, Source: m.SourcePath, TranscriptsDir: sess.Layout.Transcripts}
	runErr := s.deps.Worker.Run(ctx, target, segments, ids, degree, monitor)
	monitor.Finish(sess.Layout.Reports)

	bg := context.WithoutCancel(ctx)
	switch {
	case runErr != nil && ctx.Err() != nil:
		s.log.Info("transcription run interrupted", slog.String("session_id", sessionID))
		return runErr
	case runErr != nil:
		s.log.Error("transcription run failed",
			slog.String("session_id", sessionID),
			slog.String("error", runErr.Error()))
		rec, err := s.deps.Tracker.Fail(bg, sessionID, runErr)
		if err != nil {
			s.log.Error("failed to record run failure",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		} else {
			s.publishSession(rec)
		}
		return runErr
	}

	rec, err := s.deps.Tracker.Finish(bg, sessionID)
	if err != nil {
		s.log.Error("failed to finish run",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return err
	}
	if rec.Status == progress.RunDone || rec.Status == progress.RunError {
		s.publishSession(rec)
	}
	return nil
}

// Progress returns the current record of a session.
func (s *Service) Progress(ctx context.Context, sessionID string) (progress.Record, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return progress.Record{}, err
	}
	return s.deps.Tracker.Query(ctx, sessionID)
}

// Events returns the transition timeline when the progress store keeps one.
func (s *Service) Events(ctx context.Context, sessionID string, limit int) ([]progress.Event, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, fmt.Errorf("%w: progress backend %q keeps no timeline", apperr.ErrNotFound, s.cfg.Progress.Backend)
	}
	return s.timeline.ListEvents(ctx, sessionID, limit)
}

// Finalize assembles the transcript and removes the session. Forcing stops
// any run still in progress first.
func (s *Service) Finalize(ctx context.Context, sessionID string, force bool) (aggregate.Result, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return aggregate.Result{}, err
	}
	if force {
		s.stopRuns(sessionID)
	} else if s.running(sessionID) {
		return aggregate.Result{}, fmt.Errorf("%w: transcription still running for %s", apperr.ErrConflict, sessionID)
	}
	res, err := s.deps.Aggregator.Finalize(ctx, sessionID, force)
	if err != nil {
		return aggregate.Result{}, err
	}
	s.forgetRuns(sessionID)
	rate := res.Completeness.CompletionRate
	s.publish(protocol.SubjectSessionDone, protocol.SessionEvent{
		SessionID:      sessionID,
		Status:         "finalized",
		Done:           res.Completeness.Transcribed,
		Total:          res.Completeness.Total,
		Errors:         res.Completeness.Lost,
		CompletionRate: &rate,
		Timestamp:      res.FinalizedAt,
	})
	return res, nil
}

// Abandon stops any run and deletes everything the session produced.
func (s *Service) Abandon(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if _, err := s.deps.Sessions.Get(sessionID); err != nil {
		return err
	}
	s.stopRuns(sessionID)
	if err := s.deps.Tracker.Delete(ctx, sessionID); err != nil {
		s.log.Warn("failed to delete progress record",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
	s.deps.Aggregator.Forget(sessionID)
	if err := s.deps.Sessions.Remove(sessionID); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	s.log.Info("session abandoned", slog.String("session_id", sessionID))
	return nil
}

// Process runs upload, split, transcription and finalize synchronously.
func (s *Service) Process(ctx context.Context, filename string, r io.Reader) (aggregate.Result, error) {
	up, err := s.Upload(ctx, filename, r)
	if err != nil {
		return aggregate.Result{}, err
	}
	if _, err := s.Split(ctx, up.SessionID); err != nil {
		_ = s.Abandon(context.WithoutCancel(ctx), up.SessionID)
		return aggregate.Result{}, err
	}
	runs := s.runsFor(up.SessionID)
	runs.gate.Lock()
	sess, ids, err := s.begin(ctx, runs, up.SessionID)
	if err == nil {
		runs.active.Add(1)
	}
	runs.gate.Unlock()
	if err != nil {
		return aggregate.Result{}, err
	}
	runErr := s.execute(ctx, sess, ids)
	runs.active.Add(-1)
	sess.EndRun()
	if runErr != nil && ctx.Err() != nil {
		return aggregate.Result{}, runErr
	}
	return s.Finalize(ctx, up.SessionID, runErr != nil)
}

func (s *Service) runsFor(sessionID string) *sessionRuns {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		r = &sessionRuns{ctx: ctx, cancel: cancel}
		s.runs[sessionID] = r
	}
	return r
}

// launch starts fn as a run of r. The caller holds r.gate.
func (s *Service) launch(r *sessionRuns, fn func(ctx context.Context)) {
	s.mu.Lock()
	r.wg.Add(1)
	s.wg.Add(1)
	s.mu.Unlock()

	r.active.Add(1)
	s.activeRuns.Add(1)
	go func() {
		defer s.wg.Done()
		defer r.wg.Done()
		defer s.activeRuns.Add(-1)
		defer r.active.Add(-1)
		fn(r.ctx)
	}()
}

func (s *Service) running(sessionID string) bool {
	sess, err := s.deps.Sessions.Get(sessionID)
	return err == nil && sess.Running()
}

// stopRuns cancels every run of the session and waits for them.
func (s *Service) stopRuns(sessionID string) {
	s.mu.Lock()
	r := s.runs[sessionID]
	delete(s.runs, sessionID)
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Minute):
		s.log.Warn("runs did not stop in time", slog.String("session_id", sessionID))
	}
}

func (s *Service) forgetRuns(sessionID string) {
	s.mu.Lock()
	if r, ok := s.runs[sessionID]; ok {
		r.cancel()
		delete(s.runs, sessionID)
	}
	s.mu.Unlock()
}

// Wait blocks until every background run of the session has returned.
func (s *Service) Wait(sessionID string) {
	s.mu.Lock()
	r := s.runs[sessionID]
	s.mu.Unlock()
	if r != nil {
		r.wg.Wait()
	}
}

// ActiveRuns reports the number of background runs in flight.
func (s *Service) ActiveRuns() int64 {
	return s.activeRuns.Load()
}

func (s *Service) publish(subject string, v any) {
	if err := s.deps.Bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func (s *Service) publishSession(rec progress.Record) {
	s.publish(protocol.SubjectSessionDone, protocol.SessionEvent{
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
		Done:      rec.Done,
		Total:     rec.Total,
		Errors:    len(rec.IDsWithStatus(progress.StatusError)),
		Timestamp: rec.UpdatedAt,
	})
}

// SegmentObserver publishes every progress transition on the bus.
func SegmentObserver(client *bus.Client, log *slog.Logger) progress.Observer {
	return func(rec progress.Record, seg progress.SegmentState) {
		ev := protocol.SegmentEvent{
			SessionID:    rec.SessionID,
			SegmentID:    seg.ID,
			Name:         seg.Name,
			Status:       string(seg.Status),
			Error:        seg.Error,
			Attempts:     seg.Attempts,
			Cached:       seg.Cached,
			ProcessingMS: seg.ProcessingMS,
			Done:         rec.Done,
			Total:        rec.Total,
			Timestamp:    rec.UpdatedAt,
		}
		if err := client.PublishJSON(protocol.SubjectSegment, ev); err != nil {
			log.Warn("failed to publish segment event", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/pipeline")
	sessions, err := meter.Int64ObservableGauge("scribe.sessions.active", metric.WithDescription("Sessions held in memory"))
	if err != nil {
		return err
	}
	runs, err := meter.Int64ObservableGauge("scribe.runs.active", metric.WithDescription("Transcription runs in flight"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(sessions, int64(s.deps.Sessions.Len()))
		obs.ObserveInt64(runs, s.activeRuns.Load())
		return nil
	}, sessions, runs)
	return err
}
