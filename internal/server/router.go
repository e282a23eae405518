package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter constructs a ServeMux with the collection API registered.
// Collect endpoints sit behind bearer auth when a secret is configured.
func NewRouter(h *Handler, tv *TokenValidator) http.Handler {
	mux := http.NewServeMux()

	collect := http.NewServeMux()
	collect.HandleFunc("/api/v1/collect/frontend", h.CollectFrontend)
	collect.HandleFunc("/api/v1/collect/backend", h.CollectBackend)
	mux.Handle("/api/v1/collect/", BearerAuth(tv, collect))

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return RequestID(mux)
}
