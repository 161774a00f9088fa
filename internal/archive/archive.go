// Package archive stores finalized transcripts outside the session storage,
// which is removed once a session is finalized.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gocql/gocql"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Entry is one finalized session.
type Entry struct {
	SessionID      string
	SourceName     string
	Transcript     string
	Total          int
	Transcribed    int
	CompletionRate float64
	LossRate       float64
	CreatedAt      time.Time
}

type Sink interface {
	Store(ctx context.Context, e Entry) error
	Close()
}

// Noop discards entries.
type Noop struct{}

func (Noop) Store(context.Context, Entry) error { return nil }
func (Noop) Close()                             {}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CassandraSink writes entries into a transcripts table.
type CassandraSink struct {
	session *gocql.Session
	insert  string
	log     *slog.Logger
}

// Open connects to the configured cluster and returns Noop when archiving is
// disabled.
func Open(cfg config.ArchiveConfig, log *slog.Logger) (Sink, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid archive table name %q", cfg.Table)
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	log.Info("connected to transcript archive",
		slog.Any("hosts", cfg.Hosts),
		slog.String("keyspace", cfg.Keyspace))
	return &CassandraSink{
		session: session,
		insert:  InsertStatement(cfg.Table),
		log:     log.With(slog.String("component", "archive")),
	}, nil
}

// InsertStatement renders the CQL insert for table.
func InsertStatement(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (
			session_id, source_name, transcript_text, total_segments,
			transcribed_segments, completion_rate, loss_rate, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, table)
}

func (c *CassandraSink) Store(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := c.session.Query(c.insert,
		e.SessionID, e.SourceName, e.Transcript, e.Total,
		e.Transcribed, e.CompletionRate, e.LossRate, e.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("archive transcript: %w", err)
	}
	return nil
}

func (c *CassandraSink) Close() {
	c.session.Close()
}
