package stt

import (
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// New builds the recognizer selected by cfg.Mode, wrapped with the configured
// request pacing.
func New(cfg config.TranscriptionConfig) (Recognizer, error) {
	var (
		rec Recognizer
		err error
	)
	switch cfg.Mode {
	case "openai":
		rec, err = NewHTTPRecognizer(cfg.Endpoint, cfg.APIKey, &http.Client{})
	case "exec":
		rec, err = NewExecRecognizer(cfg.Command)
	case "mock", "":
		rec = NewMockRecognizer()
	default:
		err = fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return WithRateLimit(rec, cfg.RequestsPerSecond), nil
}

// OptionsFrom extracts the per-call options from cfg.
func OptionsFrom(cfg config.TranscriptionConfig) Options {
	return Options{
		Model:          cfg.Model,
		ResponseFormat: cfg.ResponseFormat,
		Language:       cfg.Language,
		Prompt:         cfg.Prompt,
	}
}
