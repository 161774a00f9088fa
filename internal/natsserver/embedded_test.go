package natsserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestDisabledReturnsNil(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected nil server, got %v %v", srv, err)
	}
	srv.Shutdown()
	if !srv.Ready() {
		t.Fatal("a disabled broker must not block readiness")
	}
}

func TestOptionsFromBusConfig(t *testing.T) {
	opts := Options(config.BusConfig{Port: 4333, MaxStoreMB: 16, Token: "s3cret", Username: "ignored"})
	if opts.Host != "127.0.0.1" || opts.Port != 4333 || !opts.JetStream {
		t.Fatalf("unexpected listener options %+v", opts)
	}
	if opts.StoreDir != "./data/nats" || opts.JetStreamMaxStore != 16<<20 {
		t.Fatalf("unexpected storage options dir=%q max=%d", opts.StoreDir, opts.JetStreamMaxStore)
	}
	if opts.Authorization != "s3cret" || opts.Username != "" {
		t.Fatalf("expected token auth only, got token=%q user=%q", opts.Authorization, opts.Username)
	}

	opts = Options(config.BusConfig{Username: "scribe", Password: "pw"})
	if opts.Username != "scribe" || opts.Password != "pw" || opts.JetStreamMaxStore != 0 {
		t.Fatalf("unexpected user auth options %+v", opts)
	}
}

func TestEmbeddedRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000, Token: "round-trip"}
	srv, err := Start(cfg, log)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()
	if !srv.Ready() {
		t.Fatal("expected running broker to be ready")
	}

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	sub, err := client.Conn().SubscribeSync(protocol.SubjectSegment)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectSegment, protocol.SegmentEvent{SessionID: "s", SegmentID: 3, Status: "completed"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var ev protocol.SegmentEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SegmentID != 3 || ev.Status != "completed" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
