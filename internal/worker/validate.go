package worker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
)

// Reason names why a segment file failed validation.
type Reason string

const (
	ReasonMissing    Reason = "missing"
	ReasonEmpty      Reason = "empty"
	ReasonTooSmall   Reason = "too_small"
	ReasonTooLarge   Reason = "too_large"
	ReasonUnreadable Reason = "unreadable"
)

type ValidationError struct {
	Path   string
	Reason Reason
	Size   int64
	Limit  int64
	Err    error
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ReasonTooSmall:
		return fmt.Sprintf("segment file suspiciously small: %s (minimum %s)", humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
	case ReasonTooLarge:
		return fmt.Sprintf("segment file too large: %s (maximum %s)", humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
	case ReasonEmpty:
		return "segment file is empty"
	case ReasonMissing:
		return "segment file not found"
	default:
		return fmt.Sprintf("segment file unreadable: %v", e.Err)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Repairable reports whether re-encoding the segment could fix the problem.
// An oversized file would come out the same size again.
func (e *ValidationError) Repairable() bool {
	return e.Reason != ReasonTooLarge
}

// Validate checks that path exists, is readable and is within
// [minBytes, maxBytes].
func Validate(path string, minBytes, maxBytes int64) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return &ValidationError{Path: path, Reason: ReasonMissing, Err: err}
	}
	if err != nil {
		return &ValidationError{Path: path, Reason: ReasonUnreadable, Err: err}
	}
	size := info.Size()
	switch {
	case size == 0:
		return &ValidationError{Path: path, Reason: ReasonEmpty}
	case minBytes > 0 && size < minBytes:
		return &ValidationError{Path: path, Reason: ReasonTooSmall, Size: size, Limit: minBytes}
	case maxBytes > 0 && size > maxBytes:
		return &ValidationError{Path: path, Reason: ReasonTooLarge, Size: size, Limit: maxBytes}
	}
	f, err := os.Open(path)
	if err != nil {
		return &ValidationError{Path: path, Reason: ReasonUnreadable, Size: size, Err: err}
	}
	defer f.Close()
	if _, err := io.ReadFull(f, make([]byte, 1)); err != nil {
		return &ValidationError{Path: path, Reason: ReasonUnreadable, Size: size, Err: err}
	}
	return nil
}
