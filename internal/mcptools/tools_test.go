package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/progress"
	"github.com/mark3labs/mcp-go/mcp"
)

type fakePipeline struct {
	retried []int
	force   bool
}

func (f *fakePipeline) StartTranscription(context.Context, string) error {
	return fmt.Errorf("%w: already running", apperr.ErrConflict)
}

func (f *fakePipeline) Progress(_ context.Context, id string) (progress.Record, error) {
	return progress.Record{SessionID: id, Status: progress.RunProcessing, Total: 4, Done: 1}, nil
}

func (f *fakePipeline) Retry(_ context.Context, _ string, ids []int) ([]int, error) {
	f.retried = ids
	return ids, nil
}

func (f *fakePipeline) Finalize(_ context.Context, id string, force bool) (aggregate.Result, error) {
	f.force = force
	return aggregate.Result{SessionID: id, Transcript: "hello", Completeness: aggregate.ComputeReport(1, 1)}, nil
}

func newTools() (*tools, *fakePipeline) {
	fp := &fakePipeline{}
	return &tools{svc: fp, log: slog.New(slog.NewTextHandler(io.Discard, nil))}, fp
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestProgressTool(t *testing.T) {
	tl, _ := newTools()
	res, err := tl.progress(context.Background(), call(map[string]any{"session_id": "abc"}))
	if err != nil || res.IsError {
		t.Fatalf("progress: %v %v", err, res)
	}
	var rec progress.Record
	if err := json.Unmarshal([]byte(text(t, res)), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Total != 4 || rec.Done != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}

	res, err = tl.progress(context.Background(), call(map[string]any{}))
	if err != nil || !res.IsError {
		t.Fatal("expected tool error for missing session_id")
	}
}

func TestRetryToolParsesIDs(t *testing.T) {
	tl, fp := newTools()
	res, err := tl.retry(context.Background(), call(map[string]any{"session_id": "abc", "segment_ids": []any{float64(2), float64(7)}}))
	if err != nil || res.IsError {
		t.Fatalf("retry: %v %v", err, res)
	}
	if len(fp.retried) != 2 || fp.retried[1] != 7 {
		t.Fatalf("unexpected ids %v", fp.retried)
	}

	res, _ = tl.retry(context.Background(), call(map[string]any{"session_id": "abc", "segment_ids": []any{1.5}}))
	if !res.IsError {
		t.Fatal("expected fractional id rejected")
	}
}

func TestTranscribeToolSurfacesConflict(t *testing.T) {
	tl, _ := newTools()
	res, err := tl.transcribe(context.Background(), call(map[string]any{"session_id": "abc"}))
	if err != nil || !res.IsError {
		t.Fatalf("expected tool error, got %v %v", err, res)
	}
}

func TestFinalizeToolForce(t *testing.T) {
	tl, fp := newTools()
	res, err := tl.finalize(context.Background(), call(map[string]any{"session_id": "abc", "force": true}))
	if err != nil || res.IsError {
		t.Fatalf("finalize: %v %v", err, res)
	}
	if !fp.force {
		t.Fatal("expected force passed through")
	}
}
