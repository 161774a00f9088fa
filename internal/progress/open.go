package progress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Open returns the store selected by cfg.Progress.Backend.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (Store, error) {
	switch cfg.Progress.Backend {
	case "", "file":
		return NewFileStore(cfg.Storage.Root), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Progress, log)
	case "redis":
		return ConnectRedis(ctx, cfg.Progress)
	default:
		return nil, fmt.Errorf("unknown progress backend %q", cfg.Progress.Backend)
	}
}
