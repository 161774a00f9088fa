package media

import (
	"fmt"
	"math"
	"path/filepath"
)

// Segment is one bounded-duration slice of a source recording.
type Segment struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start_seconds"`
	Duration float64 `json:"duration_seconds"`
	Name     string  `json:"name"`
	Path     string  `json:"path"`
}

// SegmentName is the deterministic artifact name for a 1-based index.
func SegmentName(index int, format string) string {
	if format == "" {
		format = "mp3"
	}
	return fmt.Sprintf("segment_%04d.%s", index, format)
}

// PlanSegments covers [0, duration) with ceil(duration/window) segments. All
// but the last span the full window; the last takes the remainder.
func PlanSegments(duration, window float64, dir, format string) ([]Segment, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %v", duration)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	count := int(math.Ceil(duration / window))
	segments := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * window
		length := window
		if remaining := duration - start; remaining < window {
			length = remaining
		}
		name := SegmentName(i+1, format)
		segments = append(segments, Segment{
			Index:    i + 1,
			Start:    start,
			Duration: length,
			Name:     name,
			Path:     filepath.Join(dir, name),
		})
	}
	return segments, nil
}
