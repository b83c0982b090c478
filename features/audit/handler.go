package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"opalsync/internal/middleware"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// Trail returns the stage-by-stage audit trail for one correlation id.
func (h *Handler) Trail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("correlation_id")

	recs, err := h.repo.ListByCorrelation(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load audit trail", "error", err, "correlation_id", id)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		h.writeError(ctx, w, "NOT_FOUND", "no audit trail for correlation id", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": recs,
		"meta": map[string]int{"count": len(recs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
