// Package graph exposes dependency registration and consistency validation
// over HTTP.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"opalsync/internal/depgraph"
	"opalsync/internal/middleware"
)

type registerRequest struct {
	SourceUnit     string `json:"source_unit"`
	SourceSubUnit  string `json:"source_sub_unit,omitempty"`
	TargetUnit     string `json:"target_unit"`
	TargetSubUnit  string `json:"target_sub_unit,omitempty"`
	Kind           string `json:"kind"`
	Strength       int    `json:"strength"`
	AutoInvalidate bool   `json:"auto_invalidate"`
	DelayMs        int64  `json:"invalidation_delay_ms"`
}

type Handler struct {
	graph     *depgraph.Graph
	validator *depgraph.ConsistencyValidator
}

func NewHandler(g *depgraph.Graph, v *depgraph.ConsistencyValidator) *Handler {
	return &Handler{graph: g, validator: v}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "invalid json body", http.StatusBadRequest)
		return
	}
	if req.SourceUnit == "" || req.TargetUnit == "" {
		h.writeError(ctx, w, "BAD_REQUEST", "source_unit and target_unit are required", http.StatusBadRequest)
		return
	}

	id, err := h.graph.Register(ctx, depgraph.Dependency{
		SourceUnit:     req.SourceUnit,
		SourceSubUnit:  req.SourceSubUnit,
		TargetUnit:     req.TargetUnit,
		TargetSubUnit:  req.TargetSubUnit,
		Kind:           depgraph.Kind(req.Kind),
		Strength:       req.Strength,
		AutoInvalidate: req.AutoInvalidate,
		Delay:          time.Duration(req.DelayMs) * time.Millisecond,
	})
	if err != nil {
		if errors.Is(err, depgraph.ErrSelfDependency) || errors.Is(err, depgraph.ErrInvalidKind) {
			h.writeError(ctx, w, "INVALID_DEPENDENCY", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "failed to register dependency", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": id}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Deregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if !h.graph.Deregister(ctx, id) {
		h.writeError(ctx, w, "NOT_FOUND", "dependency not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"data": "dependency removed"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// ValidateConsistency runs a consistency check for a content unit. The
// validation type comes from the `type` query parameter and defaults to
// direct.
func (h *Handler) ValidateConsistency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit := r.PathValue("unit")

	vt := depgraph.ValidationType(r.URL.Query().Get("type"))
	switch vt {
	case depgraph.ValidateDirect, depgraph.ValidateTransitive, depgraph.ValidateFullSite:
	case "":
		vt = depgraph.ValidateDirect
	default:
		h.writeError(ctx, w, "BAD_REQUEST", "unknown validation type", http.StatusBadRequest)
		return
	}

	report := h.validator.Validate(ctx, unit, vt)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
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
