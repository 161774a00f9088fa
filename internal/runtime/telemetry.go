package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// unitDurationBuckets covers one split or transcription unit, from a
// sub-second cached answer to a ten-minute segment sent over a slow link.
var unitDurationBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120, 180, 300, 600}

const otlpExportTimeout = 10 * time.Second

// SetupTelemetry installs the global trace and meter providers. Spans go to
// the OTLP endpoint when one is configured, else to traceOut; nil traceOut
// keeps spans in-process only, for modes that own stdout. The handler serves
// Prometheus metrics and is nil when the exporter could not be created.
func SetupTelemetry(cfg config.Config, logger *slog.Logger, traceOut io.Writer) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("scribe.progress.backend", cfg.Progress.Backend),
			attribute.String("scribe.transcription.mode", cfg.Transcription.Mode),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, kind, err := spanExporter(ctx, cfg.Telemetry, traceOut)
	if err != nil {
		return nil, nil, err
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	logger.Info("tracing configured",
		slog.String("exporter", kind),
		slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))

	mp, metricsHandler := meterProvider(res, logger)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, metricsHandler, nil
}

// spanExporter picks where spans go. A nil exporter with kind "none" means
// spans are sampled but not exported.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig, traceOut io.Writer) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithTimeout(otlpExportTimeout),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exp, "otlp", nil
	}
	if traceOut == nil {
		return nil, "none", nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(traceOut))
	if err != nil {
		return nil, "", err
	}
	return exp, "stdout", nil
}

// meterProvider returns a provider even when the Prometheus exporter cannot
// be created; the handler is nil then.
func meterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	durations := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "scribe.unit.duration"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: unitDurationBuckets}},
	)
	exporter, err := prometheus.New()
	if err != nil {
		logger.Warn("prometheus exporter unavailable, metrics will not be served", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithView(durations)), nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(durations),
	)
	return mp, promhttp.Handler()
}
