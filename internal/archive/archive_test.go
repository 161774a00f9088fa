package archive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestOpenDisabledReturnsNoop(t *testing.T) {
	sink, err := Open(config.ArchiveConfig{Enabled: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := sink.(Noop); !ok {
		t.Fatalf("expected Noop sink, got %T", sink)
	}
	if err := sink.Store(context.Background(), Entry{SessionID: "x"}); err != nil {
		t.Fatalf("noop store: %v", err)
	}
}

func TestOpenRejectsUnsafeTable(t *testing.T) {
	cfg := config.ArchiveConfig{Enabled: true, Hosts: []string{"localhost"}, Keyspace: "k", Table: "t; DROP TABLE x"}
	if _, err := Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected invalid table name error")
	}
}

func TestInsertStatement(t *testing.T) {
	stmt := InsertStatement("lecture_transcripts")
	if !strings.Contains(stmt, "INSERT INTO lecture_transcripts") || strings.Count(stmt, "?") != 8 {
		t.Fatalf("unexpected statement %q", stmt)
	}
}
