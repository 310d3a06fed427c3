package http

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats exposes the asynchronous click queue state.
type QueueStats interface {
	Stats() map[string]interface{}
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	storage Pinger
	queue   QueueStats
	log     *zap.Logger
	started time.Time
}

func NewHealthHandler(storage Pinger, queue QueueStats, log *zap.Logger) *HealthHandler {
	return &HealthHandler{storage: storage, queue: queue, log: log, started: time.Now()}
}

type healthResponse struct {
	Status         string                 `json:"status"`
	Timestamp      time.Time              `json:"timestamp"`
	DatabaseStatus string                 `json:"database_status"`
	Uptime         string                 `json:"uptime,omitempty"`
	Queue          map[string]interface{} `json:"queue,omitempty"`
}

// Health reports storage connectivity and queue state.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		DatabaseStatus: "healthy",
		Uptime:         time.Since(h.started).Round(time.Second).String(),
	}
	if h.queue != nil {
		resp.Queue = h.queue.Stats()
	}

	status := http.StatusOK
	if err := h.storage.Ping(ctx); err != nil {
		h.log.Error("database health check failed", zap.Error(err))
		resp.Status = "unhealthy"
		resp.DatabaseStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready is the readiness probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.storage.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
