// Package api provides the HTTP API handlers and routing for video detection jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adverant/nexus/videodetect-worker/internal/apperrors"
	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/models"
	"github.com/adverant/nexus/videodetect-worker/internal/notifier"
)

// uploadField is the multipart field carrying the video
const uploadField = "video_file"

// multipartOverhead allows for boundaries and form fields around the video
const multipartOverhead = 1 << 20

// Service is the job API the handlers drive
type Service interface {
	Submit(ctx context.Context, video io.Reader, opts models.SubmitOptions) (string, error)
	Process(ctx context.Context, video io.Reader, opts models.SubmitOptions) (*models.JobResult, error)
	GetStatus(ctx context.Context, id string) (*models.JobStatusView, error)
	GetResult(ctx context.Context, id string) (*models.ResultView, error)
}

// Watcher streams job snapshots
type Watcher interface {
	Watch(ctx context.Context, id string) <-chan notifier.Snapshot
}

// SubmitResponse is returned when a job is accepted
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Handler contains HTTP handlers for the video API
type Handler struct {
	svc       Service
	watcher   Watcher
	outputDir string
	maxUpload int64
	ready     func(ctx context.Context) error
}

// NewHandler creates a new API handler
func NewHandler(svc Service, watcher Watcher, outputDir string, maxUpload int64, ready func(ctx context.Context) error) *Handler {
	return &Handler{
		svc:       svc,
		watcher:   watcher,
		outputDir: outputDir,
		maxUpload: maxUpload,
		ready:     ready,
	}
}

// SubmitVideo handles POST /v1/videos
func (h *Handler) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	video, opts, err := h.openUpload(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	id, err := h.svc.Submit(r.Context(), video, opts)
	if err != nil {
		h.handleError(w, r, uploadError(err))
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id, Status: string(models.StatusPending)})
}

// ProcessVideo handles POST /v1/videos/process and waits for the result
func (h *Handler) ProcessVideo(w http.ResponseWriter, r *http.Request) {
	video, opts, err := h.openUpload(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.svc.Process(r.Context(), video, opts)
	if err != nil {
		h.handleError(w, r, uploadError(err))
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetStatus handles GET /v1/videos/tasks/{taskId}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetStatus(r.Context(), r.PathValue("taskId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// GetResult handles GET /v1/videos/tasks/{taskId}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetResult(r.Context(), r.PathValue("taskId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// StreamEvents handles GET /v1/videos/tasks/{taskId}/events as Server-Sent Events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range h.watcher.Watch(r.Context(), r.PathValue("taskId")) {
		data, err := json.Marshal(snap)
		if err != nil {
			slog.Error("Failed to encode snapshot", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// GetOutput handles GET /v1/videos/outputs/{file}
func (h *Handler) GetOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		h.writeError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	path := filepath.Join(h.outputDir, name)
	if _, err := os.Stat(path); err != nil {
		h.handleError(w, r, apperrors.NotFound("output", name))
		return
	}
	for _, c := range encoder.DefaultCodecs {
		if strings.EqualFold(filepath.Ext(name), c.Extension) {
			w.Header().Set("Content-Type", c.MIMEType)
			break
		}
	}
	http.ServeFile(w, r, path)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the job store is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// openUpload finds the video part of a multipart request without buffering
// it. Form fields sent before the file and query parameters both set options.
func (h *Handler) openUpload(w http.ResponseWriter, r *http.Request) (io.Reader, models.SubmitOptions, error) {
	var opts models.SubmitOptions
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, opts, apperrors.Validation(uploadField, "expected multipart/form-data upload: "+err.Error())
	}

	values := r.URL.Query()
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, opts, apperrors.Validation(uploadField, "missing "+uploadField+" file")
		}
		if err != nil {
			return nil, opts, apperrors.Validation(uploadField, "malformed multipart body: "+err.Error())
		}

		if part.FormName() == uploadField {
			opts, err = parseOptions(values)
			if err != nil {
				return nil, opts, err
			}
			return part, opts, nil
		}
		if err := readField(part, values); err != nil {
			return nil, opts, err
		}
	}
}

func readField(part *multipart.Part, values map[string][]string) error {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return apperrors.Validation(part.FormName(), "unreadable form field")
	}
	if _, set := values[part.FormName()]; !set {
		values[part.FormName()] = []string{strings.TrimSpace(string(data))}
	}
	return nil
}

func parseOptions(values map[string][]string) (models.SubmitOptions, error) {
	var opts models.SubmitOptions
	get := func(k string) string {
		if v := values[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if v := get("frame_skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, apperrors.Validation("frame_skip", "frame_skip must be a positive integer")
		}
		opts.FrameSkip = n
	}
	if v := get("confidence_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, apperrors.Validation("confidence_threshold", "confidence_threshold must be a number")
		}
		opts.ConfidenceThreshold = &f
	}
	opts.ClientID = get("client_id")
	return opts, nil
}

// uploadError reports bodies cut off by the size limit as validation errors
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.Validation(uploadField, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
	}
	return err
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
