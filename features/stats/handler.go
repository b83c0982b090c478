package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"opalsync/internal/stream"
)

type AuditCounter interface {
	Count(ctx context.Context) (int, error)
}

type GraphSizer interface {
	Size() int
}

type BusInspector interface {
	Snapshot() stream.MetricsSnapshot
	Health() stream.HealthState
}

type Handler struct {
	bus   BusInspector
	graph GraphSizer
	audit AuditCounter
}

func NewHandler(bus BusInspector, graph GraphSizer, audit AuditCounter) *Handler {
	return &Handler{bus: bus, graph: graph, audit: audit}
}

// Stats aggregates bus metrics, graph size and audit volume.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	auditCount := 0
	if h.audit != nil {
		n, err := h.audit.Count(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to count audit records", "error", err)
		} else {
			auditCount = n
		}
	}

	resp := map[string]interface{}{
		"stream":        h.bus.Snapshot(),
		"stream_health": h.bus.Health(),
		"dependencies":  h.graph.Size(),
		"audit_records": auditCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode stats response", "error", err)
	}
}

// Health reports the advisory bus health state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.bus.Health()
	status := http.StatusOK
	if state == stream.HealthCritical {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": string(state)}); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
