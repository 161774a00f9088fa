package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/archive"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/perf"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/worker"
	"golang.org/x/sync/semaphore"
)

// Build assembles a Service from configuration. busClient may be nil. The
// returned close function releases the stores opened here.
func Build(ctx context.Context, cfg config.Config, busClient *bus.Client, log *slog.Logger) (*Service, func(), error) {
	sessionStore, err := session.NewStore(cfg.Storage.Root)
	if err != nil {
		return nil, nil, err
	}
	registry := session.NewRegistry(sessionStore)

	store, err := progress.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open progress store: %w", err)
	}
	tracker := progress.NewTracker(store, log,
		progress.WithObserver(SegmentObserver(busClient, log)),
		progress.WithLogInterval(cfg.Monitoring.LogProgressInterval))

	prober, err := media.NewFFprobe(cfg.Chunking.ProbeCommand)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("probe command: %w", err)
	}
	transcoder, err := media.NewFFmpeg(cfg.Chunking.TranscoderCommand)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("transcoder command: %w", err)
	}
	recognizer, err := stt.New(cfg.Transcription)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("transcription backend: %w", err)
	}

	calls := semaphore.NewWeighted(int64(cfg.Transcription.MaxConcurrentCalls))
	w := worker.New(cfg.Transcription, recognizer, transcoder, media.ParamsFromConfig(cfg.Chunking.Audio), tracker, calls, log)

	sink, err := archive.Open(cfg.Archive, log)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	agg, err := aggregate.New(registry, tracker, sink, cfg.Finalize.ResultCacheSize, log)
	if err != nil {
		sink.Close()
		_ = store.Close()
		return nil, nil, err
	}

	svc := New(cfg, Deps{
		Sessions:   registry,
		Tracker:    tracker,
		Prober:     prober,
		Transcoder: transcoder,
		Worker:     w,
		Aggregator: agg,
		Perf:       perf.NewFactory(cfg.Monitoring, log),
		Bus:        busClient,
	}, log)
	if tl, ok := store.(Timeline); ok {
		svc.SetTimeline(tl)
	}

	log.Info("pipeline ready",
		slog.String("progress_backend", cfg.Progress.Backend),
		slog.String("transcription_mode", cfg.Transcription.Mode),
		slog.String("storage_root", sessionStore.Root()),
		slog.Bool("archive", cfg.Archive.Enabled))

	closeFn := func() {
		svc.Close()
		sink.Close()
		if err := store.Close(); err != nil {
			log.Warn("failed to close progress store", slog.String("error", err.Error()))
		}
	}
	return svc, closeFn, nil
}
