// Package rest provides the HTTP API for the FlareWatch server: prediction
// ingest, operational status, alert history, and the WebSocket mount point.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the FlareWatch API.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe (no authentication)
//	GET  /ws                             – WebSocket push endpoint
//	POST /api/v1/predictions             – prediction ingest (Bearer token when configured)
//	GET  /api/v1/status                  – operational counters
//	GET  /api/v1/alerts                  – recent alert history
//	GET  /api/v1/alerts/{alertID}/delivery – per-alert delivery record
//
// pushHandler serves the WebSocket upgrade. ingestToken, when non-empty, is
// required as a Bearer token on the ingest route.
func NewRouter(srv *Server, pushHandler http.Handler, ingestToken string) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/ws", pushHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", srv.handleStatus)
		r.Get("/alerts", srv.handleRecentAlerts)
		r.Get("/alerts/{alertID}/delivery", srv.handleDeliveryStatus)

		r.Group(func(r chi.Router) {
			if ingestToken != "" {
				r.Use(BearerAuth(ingestToken))
			}
			r.Post("/predictions", srv.handleIngestPrediction)
		})
	})

	return r
}
