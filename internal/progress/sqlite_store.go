package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one entry of a session's segment transition timeline.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	SegmentID int       `json:"segment_id"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLiteStore keeps progress records and a transition timeline in SQLite.
type SQLiteStore struct {
	db    *sql.DB
	cfg   config.ProgressConfig
	log   *slog.Logger
	clock func() time.Time
}

// OpenSQLite initializes the database at cfg.SQLitePath.
func OpenSQLite(ctx context.Context, cfg config.ProgressConfig, log *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(cfg.SQLitePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.SQLitePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes every read-modify-write transaction.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, log: log.With(slog.String("component", "progress-sqlite")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("progress store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("progress store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS progress (
    session_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segment_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    segment_id INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES progress(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segment_events_session ON segment_events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Record, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM progress WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("load progress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("decode progress: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) (rec Record, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var payload []byte
	existed := true
	err = tx.QueryRowContext(ctx, `SELECT payload FROM progress WHERE session_id = ?`, sessionID).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existed = false
		err = nil
	case err != nil:
		return Record{}, fmt.Errorf("load progress: %w", err)
	default:
		if err = json.Unmarshal(payload, &rec); err != nil {
			return Record{}, fmt.Errorf("decode progress: %w", err)
		}
	}
	before := rec.Clone()
	rec.SessionID = sessionID
	if err = fn(&rec); err != nil {
		return Record{}, err
	}

	now := s.clock().UTC()
	rec.Version++
	rec.UpdatedAt = now
	payload, err = json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode progress: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO progress(session_id, status, version, payload, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, version=excluded.version,
		 payload=excluded.payload, updated_at=excluded.updated_at`,
		sessionID, string(rec.Status), rec.Version, payload, now, now); err != nil {
		return Record{}, fmt.Errorf("write progress: %w", err)
	}

	if existed {
		for _, evt := range diffSegments(before, rec) {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO segment_events(session_id, segment_id, event_type, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
				sessionID, evt.SegmentID, evt.Type, evt.Detail, now); err != nil {
				return Record{}, fmt.Errorf("append segment event: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func diffSegments(before, after Record) []Event {
	var out []Event
	for i, seg := range after.Segments {
		if i < len(before.Segments) && before.Segments[i].Status == seg.Status {
			continue
		}
		out = append(out, Event{SegmentID: seg.ID, Type: "segment." + string(seg.Status), Detail: seg.Error})
	}
	return out
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM progress WHERE session_id = ?`, sessionID)
	return err
}

// ListEvents returns up to limit timeline entries for a session in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, segment_id, event_type, detail, created_at
		 FROM segment_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SegmentID, &e.Type, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = parseTimestamp(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies the configured retention.
func (s *SQLiteStore) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM progress WHERE updated_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM progress WHERE session_id IN (
			SELECT session_id FROM progress ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func parseTimestamp(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
