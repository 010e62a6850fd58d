package http

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 2 * time.Second

// Pinger checks datastore connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusProbe reports whether the bus subscription is live.
type BusProbe interface {
	Ready() bool
}

// RootHandler serves GET /.
func RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "telemetry-ingest"})
}

// LivenessHandler serves GET /healthz.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
}

// ReadinessHandler reports datastore and bus health.
type ReadinessHandler struct {
	db  Pinger
	bus BusProbe
}

// NewReadinessHandler constructs a ReadinessHandler.
func NewReadinessHandler(db Pinger, bus BusProbe) *ReadinessHandler {
	return &ReadinessHandler{db: db, bus: bus}
}

// ServeHTTP handles GET /readyz.
func (h *ReadinessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	dbStatus := "up"
	if h.db == nil || h.db.Ping(ctx) != nil {
		dbStatus = "down"
	}
	busStatus := "ready"
	if h.bus == nil || !h.bus.Ready() {
		busStatus = "not ready"
	}

	ok := dbStatus == "up" && busStatus == "ready"
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ok, "database": dbStatus, "bus": busStatus})
}
