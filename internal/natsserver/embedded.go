// Package natsserver hosts the event broker in-process for single-binary
// deployments of scribed.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "loqa-scribe"
	readyTimeout = 5 * time.Second
	// events are small JSON documents; memory storage is not used
	maxMemoryBytes = 64 << 20
)

// EmbeddedServer is the in-process broker carrying segment, split and
// session events plus retry requests.
type EmbeddedServer struct {
	ns       *server.Server
	storeDir string
	log      *slog.Logger
}

// Start returns nil, nil when cfg does not ask for an embedded broker. The
// broker listens on loopback only and requires the same credentials the bus
// client presents.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := Options(cfg)
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded broker not ready after %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, storeDir: opts.StoreDir, log: log.With(slog.String("component", "natsserver"))}
	e.log.Info("embedded broker started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir),
		slog.Int64("max_store_bytes", opts.JetStreamMaxStore))
	return e, nil
}

// Options maps the bus section onto broker options.
func Options(cfg config.BusConfig) *server.Options {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}
	opts := &server.Options{
		ServerName:         serverName,
		Host:               "127.0.0.1",
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           storeDir,
		JetStreamMaxMemory: maxMemoryBytes,
		NoSigs:             true,
		NoLog:              true,
	}
	if cfg.MaxStoreMB > 0 {
		opts.JetStreamMaxStore = int64(cfg.MaxStoreMB) << 20
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Ready reports whether the broker still accepts connections. A nil server
// is ready because nothing depends on it.
func (e *EmbeddedServer) Ready() bool {
	if e == nil || e.ns == nil {
		return true
	}
	return e.ns.Running() && e.ns.JetStreamEnabled()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("stopping embedded broker", slog.String("store_dir", e.storeDir))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
