package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/mcptools"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "expected 'process', 'retry', 'mcp', 'validate-config' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "process":
		err = runProcess(ctx, os.Args[2:])
	case "retry":
		err = runRetry(ctx, os.Args[2:])
	case "mcp":
		err = runMCP(ctx, os.Args[2:])
	case "validate-config":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	configPath := fs.String("config", "scribe.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

// runProcess transcribes one local file end to end without the HTTP server.
func runProcess(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	input := fs.String("file", "", "Recording to transcribe")
	output := fs.String("out", "", "Write the transcript here instead of stdout")
	_ = fs.Parse(args)

	if *input == "" {
		return errors.New("process: -file is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Telemetry.LogLevel)

	shutdown, _, err := runtime.SetupTelemetry(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	svc, closePipeline, err := pipeline.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closePipeline()

	f, err := os.Open(*input)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	started := time.Now()
	res, err := svc.Process(ctx, filepath.Base(*input), f)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
	}
	if _, err := io.WriteString(out, res.Transcript+"\n"); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	c := res.Completeness
	fmt.Fprintf(os.Stderr, "%d/%d segments transcribed (%.2f%% complete, %.2f%% lost) in %s\n",
		c.Transcribed, c.Total, c.CompletionRate, c.LossRate, humanize.RelTime(started, time.Now(), "", ""))
	if c.HasSignificantLoss {
		fmt.Fprintln(os.Stderr, "warning: transcript is missing a significant part of the recording")
	}
	return nil
}

// runRetry asks a running scribed to reprocess segments over the bus.
func runRetry(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	sessionID := fs.String("session", "", "Session id")
	segments := fs.String("segments", "", "Comma separated segment ids")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for a reply")
	_ = fs.Parse(args)

	ids, err := parseIDs(*segments)
	if err != nil {
		return err
	}
	if *sessionID == "" || len(ids) == 0 {
		return errors.New("retry: -session and -segments are required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Telemetry.LogLevel)

	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(protocol.RetryRequest{SessionID: *sessionID, SegmentIDs: ids})
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	msg, err := client.Conn().RequestWithContext(reqCtx, protocol.SubjectRetry, payload)
	if err != nil {
		return fmt.Errorf("retry request: %w", err)
	}
	var reply protocol.RetryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Accepted {
		return fmt.Errorf("retry rejected: %s", reply.Error)
	}
	fmt.Printf("retrying segments %v of %s\n", reply.SegmentIDs, *sessionID)
	return nil
}

func parseIDs(raw string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid segment id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// runMCP serves the session tools over stdio. Logs go to stderr because
// stdout carries the protocol.
func runMCP(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Telemetry.LogLevel)

	shutdown, _, err := runtime.SetupTelemetry(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	svc, closePipeline, err := pipeline.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer closePipeline()

	logger.Info("serving MCP tools on stdio", slog.String("version", version))
	return mcptools.ServeStdio(mcptools.NewServer(svc, version, logger))
}
