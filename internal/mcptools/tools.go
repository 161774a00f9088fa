// Package mcptools exposes session operations as MCP tools so assistants can
// watch and steer transcription runs.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Pipeline is the subset of the pipeline service offered as tools.
type Pipeline interface {
	StartTranscription(ctx context.Context, sessionID string) error
	Progress(ctx context.Context, sessionID string) (progress.Record, error)
	Retry(ctx context.Context, sessionID string, ids []int) ([]int, error)
	Finalize(ctx context.Context, sessionID string, force bool) (aggregate.Result, error)
}

type tools struct {
	svc Pipeline
	log *slog.Logger
}

// NewServer registers the session tools on a new MCP server.
func NewServer(svc Pipeline, version string, log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("loqa-scribe", version, server.WithToolCapabilities(false))
	t := &tools{svc: svc, log: log.With(slog.String("component", "mcp"))}

	s.AddTool(mcp.NewTool("scribe_progress",
		mcp.WithDescription("Report transcription progress of a session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by the upload")),
	), t.progress)

	s.AddTool(mcp.NewTool("scribe_transcribe",
		mcp.WithDescription("Start transcribing a split session in the background"),
		mcp.WithString("session_id", mcp.Required()),
	), t.transcribe)

	s.AddTool(mcp.NewTool("scribe_retry",
		mcp.WithDescription("Reset failed segments and transcribe them again"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithArray("segment_ids", mcp.Required(),
			mcp.Description("1-based segment numbers"),
			mcp.Items(map[string]any{"type": "integer"})),
	), t.retry)

	s.AddTool(mcp.NewTool("scribe_finalize",
		mcp.WithDescription("Assemble the transcript and delete the session's working files"),
		mcp.WithString("session_id", mcp.Required()),
		mcp.WithBoolean("force", mcp.Description("Finalize even if segments are still outstanding")),
	), t.finalize)

	return s
}

// ServeStdio blocks serving s over standard input and output.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func (t *tools) progress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := t.svc.Progress(ctx, id)
	if err != nil {
		return t.toolError("progress", err), nil
	}
	return jsonResult(rec)
}

func (t *tools) transcribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.svc.StartTranscription(ctx, id); err != nil {
		return t.toolError("transcribe", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("transcription started for %s", id)), nil
}

func (t *tools) retry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ids, err := segmentIDs(req.GetArguments()["segment_ids"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	accepted, err := t.svc.Retry(ctx, id, ids)
	if err != nil {
		return t.toolError("retry", err), nil
	}
	return jsonResult(map[string]any{"session_id": id, "segment_ids": accepted, "status": "processing"})
}

func (t *tools) finalize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := t.svc.Finalize(ctx, id, req.GetBool("force", false))
	if err != nil {
		return t.toolError("finalize", err), nil
	}
	return jsonResult(res)
}

func (t *tools) toolError(tool string, err error) *mcp.CallToolResult {
	t.log.Warn("tool call failed", slog.String("tool", tool), slog.String("error", err.Error()))
	return mcp.NewToolResultError(err.Error())
}

// segmentIDs accepts the JSON numbers an MCP client sends for an integer
// array.
func segmentIDs(raw any) ([]int, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("segment_ids must be an array of integers")
	}
	ids := make([]int, 0, len(items))
	for _, item := range items {
		var v float64
		switch n := item.(type) {
		case float64:
			v = n
		case int:
			v = float64(n)
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("segment id %q is not a number", n)
			}
			v = f
		default:
			return nil, fmt.Errorf("segment id %v is not a number", item)
		}
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("segment id %v is not an integer", v)
		}
		ids = append(ids, int(v))
	}
	return ids, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
