package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func TestDegreeTiers(t *testing.T) {
	p := FromConfig(config.Default().Transcription.Parallelism)
	cases := []struct {
		avg   int64
		total int
		want  int
	}{
		{1 * megabyte, 50, 12},
		{5*megabyte - 1, 50, 12},
		{5 * megabyte, 50, 8},
		{14 * megabyte, 50, 8},
		{15 * megabyte, 50, 4},
		{200 * megabyte, 50, 4},
		{1 * megabyte, 3, 3},
		{20 * megabyte, 2, 2},
		{0, 1, 1},
		{1 * megabyte, 0, 0},
	}
	for _, tc := range cases {
		if got := p.Degree(tc.avg, tc.total); got != tc.want {
			t.Fatalf("Degree(%d, %d) = %d, want %d", tc.avg, tc.total, got, tc.want)
		}
	}
}

func TestAverageSizeSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	if err := os.WriteFile(a, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, make([]byte, 300), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := AverageSize([]string{a, b, filepath.Join(dir, "missing")}); got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := AverageSize(nil); got != 0 {
		t.Fatalf("expected 0 for no files, got %d", got)
	}
}
