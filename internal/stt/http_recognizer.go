package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const maxErrorBody = 2 * 1024 * 1024

// HTTPRecognizer talks to an OpenAI-compatible /audio/transcriptions endpoint.
type HTTPRecognizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPRecognizer(endpoint, apiKey string, client *http.Client) (*HTTPRecognizer, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("stt endpoint is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRecognizer{endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

func (r *HTTPRecognizer) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	body, contentType, err := buildTranscriptionForm(path, opts)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeAPIError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransient, Message: "read transcription response", Err: err}
	}
	if opts.ResponseFormat == "" || opts.ResponseFormat == "json" || opts.ResponseFormat == "verbose_json" {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", &Error{Kind: KindTransient, Message: "decode transcription response", Err: err}
		}
		return payload.Text, nil
	}
	return strings.TrimSpace(string(data)), nil
}

func buildTranscriptionForm(path string, opts Options) (*bytes.Buffer, string, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, "", &Error{Kind: KindFormat, Message: "model is required"}
	}
	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, "", &Error{Kind: KindFormat, Message: "read audio file", Err: err}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := []struct{ key, value string }{
		{"model", model},
		{"response_format", opts.ResponseFormat},
		{"language", opts.Language},
		{"prompt", opts.Prompt},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		if err := writer.WriteField(f.key, f.value); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", f.key, err)
		}
	}

	filePart, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("create file form field: %w", err)
	}
	if _, err := filePart.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func decodeAPIError(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := kindForStatus(resp.StatusCode)
	if readErr != nil {
		return &Error{Kind: kind, StatusCode: resp.StatusCode, Message: "failed to read error body", Err: readErr}
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		if envelope.Error.Type != "" {
			message = fmt.Sprintf("%s (%s)", message, envelope.Error.Type)
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{Kind: kind, StatusCode: resp.StatusCode, Message: message}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindFormat
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Message: "request canceled", Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTransient, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindTransient, Message: "request failed", Err: err}
}
