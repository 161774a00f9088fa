package perf

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newMonitor(t *testing.T, op string) (*Monitor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	f := NewFactory(config.Default().Monitoring, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.clock = clock.Now
	m := f.New("session-1", op)
	if m == nil {
		t.Fatal("expected monitor when monitoring is enabled")
	}
	return m, clock
}

func TestReportRates(t *testing.T) {
	m, clock := newMonitor(t, OpTranscription)
	for i, name := range []string{"a", "b", "c", "d"} {
		m.StartUnit(name, int64(1000*(i+1)))
	}
	clock.now = clock.now.Add(2 * time.Second)
	m.EndUnit("a", nil)
	m.EndUnit("b", nil)
	clock.now = clock.now.Add(2 * time.Second)
	m.EndUnit("c", nil)
	m.EndUnit("d", errors.New("timeout"))

	r := m.Report()
	if r.Successful != 3 || r.Failed != 1 || r.Processed != 4 {
		t.Fatalf("unexpected counts %+v", r)
	}
	if r.Efficiency != 75 {
		t.Fatalf("expected efficiency 75, got %v", r.Efficiency)
	}
	if r.UnitsPerSecond != 1 {
		t.Fatalf("expected 1 unit/s, got %v", r.UnitsPerSecond)
	}
	wantAvg := (2.0 + 2.0 + 4.0) / 3.0
	if r.AvgUnitSeconds != wantAvg {
		t.Fatalf("expected avg %v, got %v", wantAvg, r.AvgUnitSeconds)
	}
}

func TestThroughputWarning(t *testing.T) {
	m, clock := newMonitor(t, OpSplitting)
	m.StartUnit("segment_0001.mp3", 0)
	clock.now = clock.now.Add(10 * time.Second)
	m.EndUnit("segment_0001.mp3", nil)

	rate := m.CheckThroughput()
	if rate != 0.1 {
		t.Fatalf("expected 0.1 units/s, got %v", rate)
	}
	if len(m.Report().Warnings) != 1 {
		t.Fatal("expected a warning below 70% of the 2.0/s baseline")
	}

	fast, clock2 := newMonitor(t, OpTranscription)
	fast.StartUnit("x", 0)
	clock2.now = clock2.now.Add(time.Second)
	fast.EndUnit("x", nil)
	fast.CheckThroughput()
	if len(fast.Report().Warnings) != 0 {
		t.Fatal("1 unit/s meets the 0.5/s transcription baseline")
	}
}

func TestRestartedUnitIsCountedOnce(t *testing.T) {
	m, _ := newMonitor(t, OpTranscription)
	m.StartUnit("seg", 0)
	m.EndUnit("seg", errors.New("rate limited"))
	m.StartUnit("seg", 0)
	m.EndUnit("seg", nil)
	r := m.Report()
	if len(r.Units) != 1 || r.Processed != 1 || r.Failed != 0 || r.Successful != 1 {
		t.Fatalf("unexpected report after retry %+v", r)
	}
}

func TestFinishSavesReport(t *testing.T) {
	m, _ := newMonitor(t, OpTranscription)
	m.StartUnit("seg", 0)
	m.EndUnit("seg", nil)
	dir := filepath.Join(t.TempDir(), "reports")
	m.Finish(dir)

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one report file, got %v %v", entries, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if r.Operation != OpTranscription || r.SessionID != "session-1" {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestNilMonitorIsNoop(t *testing.T) {
	var m *Monitor
	m.StartUnit("x", 1)
	m.EndUnit("x", nil)
	if m.CheckThroughput() != 0 {
		t.Fatal("nil monitor must report zero")
	}
	cfg := config.Default().Monitoring
	cfg.Enabled = false
	if NewFactory(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).New("s", OpSplitting) != nil {
		t.Fatal("disabled monitoring must return nil")
	}
}

func TestRecordUnitUsesCallerTimes(t *testing.T) {
	m, clock := newMonitor(t, OpSplitting)
	start := clock.now
	clock.now = clock.now.Add(10 * time.Second)
	m.RecordUnit("segment_0001.mp3", 2048, start, start.Add(3*time.Second), nil)

	r := m.Report()
	if r.Successful != 1 || r.AvgUnitSeconds != 3 {
		t.Fatalf("expected one 3s unit, got %+v", r)
	}
}
