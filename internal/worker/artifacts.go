package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Metadata is written next to every transcript.
type Metadata struct {
	SessionID    string    `json:"session_id"`
	SegmentID    int       `json:"segment_id"`
	SegmentName  string    `json:"segment_name"`
	Timestamp    time.Time `json:"timestamp"`
	ProcessingMS int64     `json:"processing_time_ms"`
	TextLength   int       `json:"text_length"`
	Attempts     int       `json:"attempts"`
	Model        string    `json:"model,omitempty"`
}

func TranscriptPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%04d.txt", id))
}

func MetadataPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%04d.meta.json", id))
}

// ReadTranscript returns the stored transcript of segment id and whether it
// exists.
func ReadTranscript(dir string, id int) (string, bool, error) {
	data, err := os.ReadFile(TranscriptPath(dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// WriteTranscript stores the metadata first and the transcript last, so the
// presence of the transcript marks a complete pair.
func WriteTranscript(dir string, meta Metadata, text string) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := session.WriteFileAtomic(MetadataPath(dir, meta.SegmentID), data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := session.WriteFileAtomic(TranscriptPath(dir, meta.SegmentID), []byte(text)); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// RemoveTranscript deletes both artifacts of a segment.
func RemoveTranscript(dir string, id int) error {
	for _, path := range []string{TranscriptPath(dir, id), MetadataPath(dir, id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
