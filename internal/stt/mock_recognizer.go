package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", &Error{Kind: KindFormat, Err: err}
	}
	model := opts.Model
	if model == "" {
		model = "mock"
	}
	return fmt.Sprintf("[%s transcript of %s bytes=%d]", model, filepath.Base(path), info.Size()), nil
}
