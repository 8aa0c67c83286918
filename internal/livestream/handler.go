package livestream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"frame-relay/internal/encode"
	"frame-relay/internal/recording"

	"github.com/go-chi/chi/v5"
)

const mediaContentType = "video/mp4"

// Handler exposes the stream admin and export endpoints using go-chi.
// Error responses are counted by metrics.RequestMiddleware.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

type fullRecordingBody struct {
	Enabled *bool `json:"enabled"`
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ActiveStreams())
}

// EndStream handles POST /streams/{stream_id}/end. The producer is told to
// stop sending.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.StopStream(streamID, ActorAdmin); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordingStatus handles GET /streams/{stream_id}/recording.
func (h *Handler) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.RecordingStatus(chi.URLParam(r, "stream_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ToggleFullRecording handles POST /streams/{stream_id}/recording/full.
// Body: { "enabled": true }.
func (h *Handler) ToggleFullRecording(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	var body fullRecordingBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		h.log.Debug("invalid full recording body", slog.String("stream_id", streamID))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `body must be {"enabled": bool}`})
		return
	}

	st, err := h.svc.ToggleFullRecording(streamID, *body.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Export handles POST /streams/{stream_id}/exports/{mode}. The encode keeps
// running if the client goes away so the published file is never left half
// done.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	mode, err := ParseExportMode(chi.URLParam(r, "mode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	file, err := h.svc.Export(context.WithoutCancel(r.Context()), streamID, mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// Download handles GET /streams/{stream_id}/exports/{mode}.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")
	mode, err := ParseExportMode(chi.URLParam(r, "mode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	path, err := h.svc.ExportPath(streamID, mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no export for stream", Hint: "request an export first"})
			return
		}
		h.writeError(w, r, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// ListRecordings handles GET /recordings. Stopped streams stay listed until
// purged.
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Recordings())
}

// Purge handles DELETE /recordings/{stream_id}.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Purge(chi.URLParam(r, "stream_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": h.svc.ActiveStreamCount(),
	})
}

// writeError maps service errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, hint := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	} else {
		h.log.Info("request rejected",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Hint: hint})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrStreamNotFound), errors.Is(err, ErrRecordingNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, ErrUnknownMode), errors.Is(err, ErrInvalidStreamID), errors.Is(err, recording.ErrInvalidPolicy):
		return http.StatusBadRequest, ""
	case errors.Is(err, ErrDuplicateStream), errors.Is(err, ErrExportInProgress), errors.Is(err, ErrStreamActive):
		return http.StatusConflict, ""
	case errors.Is(err, recording.ErrNotRecording):
		return http.StatusConflict, "stream must be active"
	case errors.Is(err, ErrNotProducer):
		return http.StatusForbidden, ""
	case errors.Is(err, encode.ErrNoFrames):
		return http.StatusUnprocessableEntity, "stream must be active and sending frames"
	case errors.Is(err, encode.ErrInsufficientFrames):
		return http.StatusUnprocessableEntity, "wait for more frames"
	case errors.Is(err, encode.ErrEncoderUnavailable):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, encode.ErrEncodeFailed):
		return http.StatusBadGateway, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AdminOnly rejects requests that do not carry "Authorization: Bearer <token>".
// An empty token disables the check.
func AdminOnly(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
