// Package server exposes the telemetry collection HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/crowsnest-security/crowsnest/internal/pipeline"
)

// maxBodyBytes caps collect request bodies at 1 MiB.
const maxBodyBytes = 1 << 20

// Handler serves the collect endpoints.
type Handler struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	ready    func() bool
}

// NewHandler builds a Handler. ready may be nil, in which case the
// service always reports ready.
func NewHandler(p *pipeline.Pipeline, log *slog.Logger, ready func() bool) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{pipeline: p, log: log, ready: ready}
}

// CollectFrontend accepts browser telemetry events.
func (h *Handler) CollectFrontend(w http.ResponseWriter, r *http.Request) {
	h.collect(w, r, "frontend")
}

// CollectBackend accepts server-side telemetry events.
func (h *Handler) CollectBackend(w http.ResponseWriter, r *http.Request) {
	h.collect(w, r, "backend")
}

func (h *Handler) collect(w http.ResponseWriter, r *http.Request, source string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	// Senders behind proxies often omit their own address.
	if _, ok := raw["remote_addr"]; !ok {
		raw["remote_addr"] = getClientIP(r)
	}

	decision, err := h.pipeline.Process(r.Context(), source, raw)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "event has no session or server identifier")
			return
		}
		h.log.Error("pipeline processing failed",
			"request_id", GetRequestID(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports readiness of downstream dependencies.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// getClientIP resolves the originating address, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
