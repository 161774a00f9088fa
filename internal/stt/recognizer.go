package stt

import (
	"context"
	"errors"
	"fmt"
)

// Options are passed through to the speech-to-text backend unchanged.
type Options struct {
	Model          string
	ResponseFormat string
	Language       string
	Prompt         string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, path string, opts Options) (string, error)
}

// Kind classifies a recognizer failure for the retry policy.
type Kind string

const (
	KindFormat      Kind = "format"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
)

// Error is returned by every Recognizer implementation in this package.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("stt %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("stt %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the classification of err. Unclassified errors are treated
// as transient, except context cancellation which is never retried.
func KindOf(err error) Kind {
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err should stop all further submissions in a run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}
