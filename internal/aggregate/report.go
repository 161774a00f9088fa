// Package aggregate assembles the final transcript of a session and reports
// how much of the recording it covers.
package aggregate

import "math"

// SignificantLossPercent is the loss rate above which a transcript is
// flagged as materially incomplete.
const SignificantLossPercent = 20.0

type FailedSegment struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Total              int             `json:"total_segments"`
	Transcribed        int             `json:"transcribed_segments"`
	Lost               int             `json:"lost_segments"`
	CompletionRate     float64         `json:"completion_rate"`
	LossRate           float64         `json:"loss_rate"`
	IsComplete         bool            `json:"is_complete"`
	HasSignificantLoss bool            `json:"has_significant_loss"`
	FailedSegments     []FailedSegment `json:"failed_segments,omitempty"`
}

// ComputeReport derives the completeness figures. An empty session counts as
// fully lost.
func ComputeReport(total, transcribed int) Report {
	if transcribed > total {
		transcribed = total
	}
	if transcribed < 0 {
		transcribed = 0
	}
	r := Report{
		Total:       total,
		Transcribed: transcribed,
		Lost:        total - transcribed,
	}
	if total > 0 {
		r.CompletionRate = round2(float64(transcribed) / float64(total) * 100)
	}
	r.LossRate = round2(100 - r.CompletionRate)
	r.IsComplete = total > 0 && transcribed == total
	r.HasSignificantLoss = r.LossRate > SignificantLossPercent
	return r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
