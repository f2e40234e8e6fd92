package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flarewatch/server/internal/alert"
	"github.com/flarewatch/server/internal/broadcast"
	"github.com/flarewatch/server/internal/delivery"
	"github.com/flarewatch/server/internal/queue"
	"github.com/flarewatch/server/internal/registry"
)

// Processor is the subset of the broadcast engine used by the REST layer.
type Processor interface {
	ProcessPrediction(ctx context.Context, p alert.Prediction) (broadcast.BroadcastResult, error)
	LastFired() *alert.Prediction
}

// HistorySource is the subset of the storage layer used by the REST layer.
type HistorySource interface {
	RecentAlerts(ctx context.Context, limit int) ([]alert.Alert, error)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	engine    Processor
	reg       *registry.Registry
	queue     *queue.Queue
	tracker   *delivery.Tracker
	history   HistorySource
	startedAt time.Time
}

// NewServer creates a Server. history may be nil, in which case the alert
// history route returns 404.
func NewServer(engine Processor, reg *registry.Registry, q *queue.Queue, tracker *delivery.Tracker, history HistorySource) *Server {
	return &Server{
		engine:    engine,
		reg:       reg,
		queue:     q,
		tracker:   tracker,
		history:   history,
		startedAt: time.Now(),
	}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Status                   string `json:"status"`
	Connections              int    `json:"connections"`
	AuthenticatedConnections int    `json:"authenticated_connections"`
	QueuedMessages           int    `json:"queued_messages"`
	DeliveryRecords          int    `json:"delivery_records"`
	UptimeSeconds            int64  `json:"uptime_seconds"`
	LastFiredPredictionID    string `json:"last_fired_prediction_id,omitempty"`
}

// handleStatus responds to GET /api/v1/status with operational counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:                   "ok",
		Connections:              s.reg.Count(),
		AuthenticatedConnections: s.reg.AuthenticatedCount(),
		QueuedMessages:           s.queue.TotalDepth(),
		DeliveryRecords:          s.tracker.Count(),
		UptimeSeconds:            int64(time.Since(s.startedAt).Seconds()),
	}
	if last := s.engine.LastFired(); last != nil {
		resp.LastFiredPredictionID = last.PredictionID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIngestPrediction responds to POST /api/v1/predictions.
//
// The body is a JSON prediction. A missing prediction_id is assigned a
// fresh UUID and a zero timestamp defaults to the current time, so simple
// producers can post just a probability. Returns HTTP 400 on malformed or
// invalid input and HTTP 200 with the broadcast result otherwise (the
// result reports whether the prediction fired).
func (s *Server) handleIngestPrediction(w http.ResponseWriter, r *http.Request) {
	var p alert.Prediction
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON prediction")
		return
	}
	if p.PredictionID == "" {
		p.PredictionID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	res, err := s.engine.ProcessPrediction(r.Context(), p)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRecentAlerts responds to GET /api/v1/alerts.
//
// Supported query parameters:
//
//	limit – maximum number of results (default 100, max 1000)
//
// Returns HTTP 200 with a JSON array of alerts, newest first.
func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "alert history is not configured")
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	alerts, err := s.history.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}

	// Ensure we always return a JSON array, not null.
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleDeliveryStatus responds to GET /api/v1/alerts/{alertID}/delivery
// with the alert's delivery record, or HTTP 404 when the record does not
// exist or has expired.
func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alertID")
	st, ok := s.tracker.Status(alertID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no delivery record for alert")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeJSON writes a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
