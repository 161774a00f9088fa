// Package progress keeps the durable, queryable state of a transcription run.
package progress

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/apperr"
)

// Status is the state of one segment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// RunStatus is the state of the session as a whole.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunProcessing RunStatus = "processing"
	RunDone       RunStatus = "done"
	RunError      RunStatus = "error"
)

var (
	ErrNoRecord          = fmt.Errorf("%w: no progress record", apperr.ErrNotFound)
	ErrInvalidTransition = fmt.Errorf("%w: invalid segment transition", apperr.ErrConflict)
	ErrUnknownSegment    = fmt.Errorf("%w: unknown segment", apperr.ErrValidation)
)

type SegmentState struct {
	ID           int        `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	StartedAt    *time.Time `json:"start_time,omitempty"`
	EndedAt      *time.Time `json:"end_time,omitempty"`
	ProcessingMS int64      `json:"processing_time_ms,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	Cached       bool       `json:"cached,omitempty"`
}

// ErrorEntry is one line of the run's error log. Segment is 0 for
// session-level failures.
type ErrorEntry struct {
	Segment   int       `json:"segment"`
	Error     string    `json:"error"`
	Critical  bool      `json:"critical,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Current struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"start_time"`
}

type FinalStats struct {
	TotalSeconds      float64 `json:"total_seconds"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
	SegmentsPerSecond float64 `json:"segments_per_second"`
}

// Record is the authoritative progress of one session.
type Record struct {
	SessionID  string         `json:"session_id"`
	Total      int            `json:"total"`
	Done       int            `json:"done"`
	Status     RunStatus      `json:"status"`
	Errors     []ErrorEntry   `json:"errors"`
	Segments   []SegmentState `json:"segments"`
	Current    *Current       `json:"current,omitempty"`
	StartedAt  *time.Time     `json:"start_time,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinalStats *FinalStats    `json:"final_stats,omitempty"`
	Version    int64          `json:"version"`

	// ETA is derived on read and never trusted from storage.
	ETA *float64 `json:"estimated_time_remaining"`
}

func (r *Record) exists() bool {
	return r != nil && r.Status != ""
}

func (r *Record) segment(id int) (*SegmentState, error) {
	if id < 1 || id > len(r.Segments) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	return &r.Segments[id-1], nil
}

// recount derives Done from segment states so it can never exceed Total.
func (r *Record) recount() {
	done := 0
	for _, s := range r.Segments {
		if s.Status == StatusCompleted {
			done++
		}
	}
	r.Total = len(r.Segments)
	r.Done = done
}

// Outstanding reports how many segments are pending or processing.
func (r *Record) Outstanding() int {
	n := 0
	for _, s := range r.Segments {
		if s.Status == StatusPending || s.Status == StatusProcessing {
			n++
		}
	}
	return n
}

// IDsWithStatus lists segment ids in index order.
func (r *Record) IDsWithStatus(status Status) []int {
	var ids []int
	for _, s := range r.Segments {
		if s.Status == status {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Errors = append([]ErrorEntry(nil), r.Errors...)
	out.Segments = append([]SegmentState(nil), r.Segments...)
	if r.Current != nil {
		c := *r.Current
		out.Current = &c
	}
	if r.FinalStats != nil {
		f := *r.FinalStats
		out.FinalStats = &f
	}
	return out
}

// validTransition encodes pending→processing→{completed,error}. Leaving
// error is only possible through a retry reset.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusError
	default:
		return false
	}
}
