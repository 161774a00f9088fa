package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestSetupTelemetryExportsSpansAndUnitBuckets(t *testing.T) {
	var spans bytes.Buffer
	cfg := config.Default()
	shutdown, handler, err := SetupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &spans)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "transcribe_segment")
	span.End()

	hist, err := otel.Meter("test").Float64Histogram("scribe.unit.duration", metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 42)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, "scribe_unit_duration") || !strings.Contains(body, `le="600"`) {
		t.Fatalf("expected unit duration buckets in scrape output:\n%s", body)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(spans.String(), "transcribe_segment") {
		t.Fatalf("expected span written on shutdown, got %q", spans.String())
	}
}

func TestSetupTelemetryHonorsSampleRatio(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceSampleRatio = 0
	shutdown, _, err := SetupTelemetry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "finalize")
	if span.SpanContext().IsSampled() {
		t.Fatal("expected a zero ratio to drop root spans")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
