package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"opalsync/internal/middleware"
)

const maxPayloadBytes = 1 << 20 // 1MB

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Webhook is the inbound event intake endpoint.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		slog.ErrorContext(ctx, "failed to read webhook body", "error", err)
		h.writeError(ctx, w, "BAD_REQUEST", "unreadable body", http.StatusBadRequest)
		return
	}

	ip := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		ip = host
	}

	ev := InboundEvent{
		Raw:        raw,
		Headers:    r.Header,
		ClientIP:   ip,
		UserAgent:  r.UserAgent(),
		ReceivedAt: time.Now(),
	}

	res := h.service.Process(ctx, ev, correlationID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(res))
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func statusCode(res *Result) int {
	if res.ErrorDetails == nil {
		return http.StatusOK
	}
	switch res.ErrorDetails.Code {
	case CodeSecurityValidationFailed:
		return http.StatusUnauthorized
	case CodePayloadParseFailed:
		return http.StatusBadRequest
	case CodeConcurrentConflict:
		return http.StatusConflict
	default:
		return http.StatusOK
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
