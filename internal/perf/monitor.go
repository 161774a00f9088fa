// Package perf measures per-unit timing and throughput of splitting and
// transcription runs. It only observes; nothing in the pipeline branches on
// its output.
package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	OpSplitting     = "splitting"
	OpTranscription = "transcription"
)

type Unit struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size,omitempty"`
	Start    time.Time `json:"start_time"`
	End      time.Time `json:"end_time,omitempty"`
	Duration float64   `json:"duration_seconds,omitempty"`
	Done     bool      `json:"done"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
}

type Warning struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type Report struct {
	SessionID         string    `json:"session_id"`
	Operation         string    `json:"operation"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	TotalSeconds      float64   `json:"total_duration_seconds"`
	Units             []Unit    `json:"units"`
	Processed         int       `json:"processed"`
	Successful        int       `json:"successful"`
	Failed            int       `json:"failed"`
	AvgUnitSeconds    float64   `json:"avg_unit_seconds"`
	UnitsPerSecond    float64   `json:"units_per_second"`
	Efficiency        float64   `json:"efficiency"`
	ExpectedPerSecond float64   `json:"expected_units_per_second"`
	Warnings          []Warning `json:"warnings"`
}

// instruments are shared by every monitor of a factory.
type instruments struct {
	units    metric.Int64Counter
	duration metric.Float64Histogram
}

// Factory hands out one Monitor per run.
type Factory struct {
	cfg   config.MonitoringConfig
	log   *slog.Logger
	inst  *instruments
	clock func() time.Time
}

func NewFactory(cfg config.MonitoringConfig, log *slog.Logger) *Factory {
	f := &Factory{cfg: cfg, log: log.With(slog.String("component", "perf")), clock: time.Now}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/perf")
	units, err := meter.Int64Counter("scribe.units", metric.WithDescription("Units of work finished, by operation and outcome"))
	if err != nil {
		f.log.Warn("failed to create unit counter", slog.String("error", err.Error()))
		return f
	}
	duration, err := meter.Float64Histogram("scribe.unit.duration", metric.WithDescription("Duration of one unit of work"), metric.WithUnit("s"))
	if err != nil {
		f.log.Warn("failed to create duration histogram", slog.String("error", err.Error()))
		return f
	}
	f.inst = &instruments{units: units, duration: duration}
	return f
}

// New returns nil when monitoring is disabled; a nil *Monitor is a no-op.
func (f *Factory) New(sessionID, operation string) *Monitor {
	if f == nil || !f.cfg.Enabled {
		return nil
	}
	expected := f.cfg.ExpectedTranscriptionRate
	if operation == OpSplitting {
		expected = f.cfg.ExpectedSplitRate
	}
	return &Monitor{
		sessionID: sessionID,
		operation: operation,
		expected:  expected,
		warnRatio: f.cfg.WarnRatio,
		detailed:  f.cfg.DetailedLogs,
		log:       f.log.With(slog.String("session_id", sessionID), slog.String("operation", operation)),
		inst:      f.inst,
		clock:     f.clock,
		started:   f.clock(),
		units:     make(map[string]int),
	}
}

type Monitor struct {
	sessionID string
	operation string
	expected  float64
	warnRatio float64
	detailed  bool
	log       *slog.Logger
	inst      *instruments
	clock     func() time.Time
	started   time.Time

	mu        sync.Mutex
	units     map[string]int
	order     []Unit
	processed int
	failed    int
	warnings  []Warning
}

// StartUnit records the beginning of a named unit. Restarting a name (a
// retried segment) replaces its previous entry.
func (m *Monitor) StartUnit(name string, size int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := Unit{Name: name, Size: size, Start: m.clock()}
	if idx, ok := m.units[name]; ok {
		prev := m.order[idx]
		if prev.Done {
			m.processed--
			if !prev.Success {
				m.failed--
			}
		}
		m.order[idx] = u
	} else {
		m.units[name] = len(m.order)
		m.order = append(m.order, u)
	}
	if m.detailed {
		m.log.Debug("unit started", slog.String("unit", name))
	}
}

// EndUnit closes a unit started with StartUnit.
func (m *Monitor) EndUnit(name string, err error) {
	if m == nil {
		return
	}
	m.endAt(name, m.clock(), err)
}

// RecordUnit adds a unit that was timed by the caller.
func (m *Monitor) RecordUnit(name string, size int64, start, end time.Time, err error) {
	if m == nil {
		return
	}
	m.StartUnit(name, size)
	m.mu.Lock()
	m.order[m.units[name]].Start = start
	m.mu.Unlock()
	m.endAt(name, end, err)
}

func (m *Monitor) endAt(name string, end time.Time, err error) {
	m.mu.Lock()
	idx, ok := m.units[name]
	if !ok || m.order[idx].Done {
		m.mu.Unlock()
		return
	}
	u := &m.order[idx]
	u.End = end
	u.Duration = u.End.Sub(u.Start).Seconds()
	u.Done = true
	u.Success = err == nil
	if err != nil {
		u.Error = err.Error()
		m.failed++
	}
	m.processed++
	dur := u.Duration
	m.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if m.inst != nil {
		attrs := metric.WithAttributes(attribute.String("operation", m.operation), attribute.String("outcome", outcome))
		m.inst.units.Add(context.Background(), 1, attrs)
		m.inst.duration.Record(context.Background(), dur, attrs)
	}
	if m.detailed {
		m.log.Debug("unit finished", slog.String("unit", name), slog.String("outcome", outcome), slog.Float64("seconds", dur))
	}
}

// CheckThroughput adds a warning when the observed rate is below warnRatio
// of the expected baseline. It returns the observed rate.
func (m *Monitor) CheckThroughput() float64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.clock().Sub(m.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(m.processed) / elapsed
	if m.expected > 0 && rate < m.expected*m.warnRatio {
		msg := fmt.Sprintf("throughput below expected: %.2f units/s (expected %.2f)", rate, m.expected)
		m.warnings = append(m.warnings, Warning{Timestamp: m.clock(), Message: msg})
		m.log.Warn("throughput below expected",
			slog.Float64("rate", rate),
			slog.Float64("expected", m.expected))
	}
	return rate
}

// Report computes the run summary.
func (m *Monitor) Report() Report {
	if m == nil {
		return Report{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.clock()
	total := end.Sub(m.started).Seconds()
	r := Report{
		SessionID:         m.sessionID,
		Operation:         m.operation,
		StartTime:         m.started,
		EndTime:           end,
		TotalSeconds:      total,
		Units:             append([]Unit(nil), m.order...),
		Processed:         m.processed,
		Failed:            m.failed,
		ExpectedPerSecond: m.expected,
		Warnings:          append([]Warning{}, m.warnings...),
	}
	var sum float64
	for _, u := range m.order {
		if u.Done && u.Success {
			r.Successful++
			sum += u.Duration
		}
	}
	if r.Successful > 0 {
		r.AvgUnitSeconds = sum / float64(r.Successful)
	}
	if total > 0 {
		r.UnitsPerSecond = float64(m.processed) / total
	}
	if len(m.order) > 0 {
		r.Efficiency = float64(r.Successful) / float64(len(m.order)) * 100
	}
	return r
}

// Finish checks throughput, logs the summary and writes the report into
// dir. Failures to write are logged, never returned to the pipeline.
func (m *Monitor) Finish(dir string) Report {
	if m == nil {
		return Report{}
	}
	m.CheckThroughput()
	r := m.Report()
	m.log.Info("performance summary",
		slog.Float64("total_seconds", r.TotalSeconds),
		slog.Int("successful", r.Successful),
		slog.Int("units", len(r.Units)),
		slog.Float64("efficiency", r.Efficiency),
		slog.Float64("units_per_second", r.UnitsPerSecond),
		slog.Float64("avg_unit_seconds", r.AvgUnitSeconds),
		slog.Int("warnings", len(r.Warnings)))
	if dir != "" {
		if path, err := Save(r, dir); err != nil {
			m.log.Warn("failed to save performance report", slog.String("error", err.Error()))
		} else {
			m.log.Debug("performance report saved", slog.String("path", path))
		}
	}
	return r
}

// Save writes r as <operation>_performance_<unix-ms>.json in dir.
func Save(r Report, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_performance_%d.json", r.Operation, r.EndTime.UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
