package protocol

import "time"

// SegmentEvent reports one progress transition of a segment.
type SegmentEvent struct {
	SessionID    string    `json:"session_id"`
	SegmentID    int       `json:"segment_id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
	ProcessingMS int64     `json:"processing_time_ms,omitempty"`
	Done         int       `json:"done"`
	Total        int       `json:"total"`
	Timestamp    time.Time `json:"timestamp"`
}

// SplitEvent is published when one segment file has been cut.
type SplitEvent struct {
	SessionID string    `json:"session_id"`
	SegmentID int       `json:"segment_id"`
	Name      string    `json:"name"`
	Start     float64   `json:"start_seconds"`
	Duration  float64   `json:"duration_seconds"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEvent marks the end of a run or the finalization of a session.
type SessionEvent struct {
	SessionID      string    `json:"session_id"`
	Status         string    `json:"status"`
	Done           int       `json:"done"`
	Total          int       `json:"total"`
	Errors         int       `json:"errors"`
	CompletionRate *float64  `json:"completion_rate,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// RetryRequest asks the pipeline to reprocess failed segments.
type RetryRequest struct {
	SessionID  string `json:"session_id"`
	SegmentIDs []int  `json:"segment_ids"`
}

type RetryReply struct {
	Accepted   bool   `json:"accepted"`
	SegmentIDs []int  `json:"segment_ids,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	StreamEvents = "SCRIBE_EVENTS"

	SubjectEventsAll    = "scribe.events.>"
	SubjectSegment      = "scribe.events.segment"
	SubjectSplitSegment = "scribe.events.split"
	SubjectSessionDone  = "scribe.events.session"

	// SubjectRetry is request/reply and deliberately outside the events
	// stream.
	SubjectRetry = "scribe.retry"
)
