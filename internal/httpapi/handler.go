// Package httpapi exposes the pipeline over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/aggregate"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/media"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/progress"
)

// Pipeline is the subset of *pipeline.Service the handlers call.
type Pipeline interface {
	Upload(ctx context.Context, filename string, r io.Reader) (pipeline.UploadResult, error)
	Split(ctx context.Context, sessionID string) (media.SplitResult, error)
	StartTranscription(ctx context.Context, sessionID string) error
	TranscribeSegment(ctx context.Context, sessionID string, segmentID int) (pipeline.SegmentResult, error)
	Progress(ctx context.Context, sessionID string) (progress.Record, error)
	Events(ctx context.Context, sessionID string, limit int) ([]progress.Event, error)
	Retry(ctx context.Context, sessionID string, ids []int) ([]int, error)
	Finalize(ctx context.Context, sessionID string, force bool) (aggregate.Result, error)
	Abandon(ctx context.Context, sessionID string) error
}

type handler struct {
	svc       Pipeline
	maxUpload int64
	log       *slog.Logger
}

type ack struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	SegmentIDs []int  `json:"segment_ids,omitempty"`
}

type retryRequest struct {
	SegmentIDs []int `json:"segment_ids"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Register mounts the session routes on mux. maxUploadMB bounds the request
// body of uploads.
func Register(mux *http.ServeMux, svc Pipeline, maxUploadMB int, log *slog.Logger) {
	h := &handler{
		svc:       svc,
		maxUpload: int64(maxUploadMB) * 1024 * 1024,
		log:       log.With(slog.String("component", "httpapi")),
	}
	mux.HandleFunc("POST /v1/sessions", h.upload)
	mux.HandleFunc("POST /v1/sessions/{id}/split", h.split)
	mux.HandleFunc("POST /v1/sessions/{id}/transcribe", h.transcribe)
	mux.HandleFunc("POST /v1/sessions/{id}/segments/{n}/transcribe", h.transcribeSegment)
	mux.HandleFunc("GET /v1/sessions/{id}/progress", h.progress)
	mux.HandleFunc("GET /v1/sessions/{id}/events", h.events)
	mux.HandleFunc("POST /v1/sessions/{id}/retry", h.retry)
	mux.HandleFunc("POST /v1/sessions/{id}/finalize", h.finalize)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.abandon)
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		// multipart framing needs a little room beyond the file itself
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, fmt.Errorf("%w: upload too large", apperr.ErrValidation))
			return
		}
		h.fail(w, fmt.Errorf("%w: missing multipart field \"file\": %v", apperr.ErrValidation, err))
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(r.Context(), header.Filename, file)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) split(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Split(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) transcribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.StartTranscription(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack{SessionID: id, Status: "processing"})
}

func (h *handler) transcribeSegment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		h.fail(w, fmt.Errorf("%w: invalid segment id %q", apperr.ErrValidation, r.PathValue("n")))
		return
	}
	res, err := h.svc.TranscribeSegment(r.Context(), r.PathValue("id"), n)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if rec.Status == progress.RunNotStarted {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(progress.RunNotStarted)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, fmt.Errorf("%w: invalid limit %q", apperr.ErrValidation, v))
			return
		}
		limit = n
	}
	events, err := h.svc.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if events == nil {
		events = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.fail(w, fmt.Errorf("%w: invalid retry body: %v", apperr.ErrValidation, err))
		return
	}
	id := r.PathValue("id")
	ids, err := h.svc.Retry(r.Context(), id, req.SegmentIDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack{SessionID: id, Status: "processing", SegmentIDs: ids})
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, fmt.Errorf("%w: invalid force flag %q", apperr.ErrValidation, v))
			return
		}
		force = b
	}
	res, err := h.svc.Finalize(r.Context(), r.PathValue("id"), force)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) abandon(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Abandon(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
