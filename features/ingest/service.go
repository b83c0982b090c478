// Package ingest sequences the webhook pipeline: security validation, payload
// parsing, optional AI enhancement, dependency propagation and broadcast, all
// under one correlation context with a stage-by-stage audit trail.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"opalsync/features/audit"
	"opalsync/internal/config"
	"opalsync/internal/depgraph"
	"opalsync/internal/enhance"
	"opalsync/internal/security"
	"opalsync/internal/stream"
)

type SecurityValidator interface {
	Validate(ctx context.Context, raw []byte, headers http.Header, client security.ClientInfo) security.Result
}

type Enhancer interface {
	Enhance(ctx context.Context, unit, subUnit string, source map[string]any) *enhance.Outcome
}

type Propagator interface {
	Trigger(ctx context.Context, unit, subUnit, changeKind, correlationID string) *depgraph.TriggerResult
}

type Broadcaster interface {
	Publish(ctx context.Context, kind, correlationID string, data map[string]any, opts stream.PublishOptions) string
}

// EventPublisher mirrors pipeline summaries to a durable topic. Satisfied by
// *nsq.Producer.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	validator  SecurityValidator
	enhancer   Enhancer
	propagator Propagator
	bus        Broadcaster
	auditRepo  audit.Repository
	events     EventPublisher

	propagationTimeout time.Duration

	// inflight guards each correlation id against duplicate concurrent
	// processing of retried deliveries.
	inflight sync.Map
}

func NewService(validator SecurityValidator, enhancer Enhancer, propagator Propagator, bus Broadcaster, auditRepo audit.Repository, propagationTimeout time.Duration) *Service {
	return &Service{
		validator:          validator,
		enhancer:           enhancer,
		propagator:         propagator,
		bus:                bus,
		auditRepo:          auditRepo,
		propagationTimeout: propagationTimeout,
	}
}

// WithAuditMirror forwards each finished pipeline's summary to the audit
// topic, best effort.
func (s *Service) WithAuditMirror(pub EventPublisher) *Service {
	s.events = pub
	return s
}

// Process runs the full pipeline for one inbound event. It never returns nil.
func (s *Service) Process(ctx context.Context, ev InboundEvent, correlationID string) *Result {
	res := &Result{
		Status:        StatusFailed,
		CorrelationID: correlationID,
		StageTimings:  make(map[string]int64),
	}

	if _, loaded := s.inflight.LoadOrStore(correlationID, struct{}{}); loaded {
		res.ErrorDetails = &ErrorDetails{
			Stage:         StageIntake,
			Code:          CodeConcurrentConflict,
			Message:       "event with this correlation id is already being processed",
			RetryPossible: true,
		}
		slog.WarnContext(ctx, "duplicate concurrent delivery rejected", "correlation_id", correlationID)
		return res
	}
	defer s.inflight.Delete(correlationID)

	// Stage 1: security validation.
	start := time.Now()
	sec := s.validator.Validate(ctx, ev.Raw, ev.Headers, security.ClientInfo{IP: ev.ClientIP, UserAgent: ev.UserAgent})
	res.Security = &sec
	res.StageTimings[StageValidation] = time.Since(start).Milliseconds()
	s.audit(ctx, res, StageValidation, stageStatus(sec.Valid), errCode(!sec.Valid, CodeSecurityValidationFailed), map[string]any{
		"security_score": sec.Score, "reason": sec.Reason,
	})
	if !sec.Valid {
		res.ErrorDetails = &ErrorDetails{
			Stage:         StageValidation,
			Code:          CodeSecurityValidationFailed,
			Message:       sec.Reason,
			RetryPossible: false,
		}
		s.broadcast(ctx, res, "security_validation_failed", map[string]any{"reason": sec.Reason})
		s.finish(ctx, res)
		return res
	}
	s.broadcast(ctx, res, "security_validated", map[string]any{"security_score": sec.Score})

	// Stage 2: payload parse.
	start = time.Now()
	payload, err := parsePayload(ev.Raw)
	res.StageTimings[StageParse] = time.Since(start).Milliseconds()
	if err != nil {
		s.audit(ctx, res, StageParse, "failed", CodePayloadParseFailed, map[string]any{"error": err.Error()})
		res.ErrorDetails = &ErrorDetails{
			Stage:         StageParse,
			Code:          CodePayloadParseFailed,
			Message:       err.Error(),
			RetryPossible: false,
		}
		s.broadcast(ctx, res, "payload_parse_failed", map[string]any{"error": err.Error()})
		s.finish(ctx, res)
		return res
	}
	res.ContentRef = &ContentRef{
		Unit:       payload.ContentUnit,
		SubUnit:    payload.SubUnit,
		WorkflowID: payload.WorkflowID,
		AgentID:    payload.AgentID,
	}
	s.audit(ctx, res, StageParse, "completed", "", map[string]any{"content_unit": payload.ContentUnit})
	s.broadcast(ctx, res, "payload_parsed", map[string]any{"content_unit": payload.ContentUnit})

	status := StatusCompleted

	// Stage 3: enhancement, best effort.
	if payload.Enhance && len(payload.Content) > 0 {
		start = time.Now()
		outcome := s.enhancer.Enhance(ctx, payload.ContentUnit, payload.SubUnit, payload.Content)
		res.Enhancement = outcome
		res.StageTimings[StageEnhancement] = time.Since(start).Milliseconds()

		if outcome.FallbackToOpal {
			status = StatusPartial
			code := CodeTransportError
			if outcome.OverrideDetected {
				code = CodeGuardrailViolation
			}
			s.audit(ctx, res, StageEnhancement, "fallback", code, map[string]any{
				"attempts": outcome.Attempts, "opal_override_detected": outcome.OverrideDetected,
			})
			s.broadcast(ctx, res, "enhancement_fallback", map[string]any{
				"attempts": outcome.Attempts, "opal_override_detected": outcome.OverrideDetected,
			})
		} else {
			s.audit(ctx, res, StageEnhancement, "completed", "", map[string]any{"attempts": outcome.Attempts})
			s.broadcast(ctx, res, "enhancement_completed", map[string]any{"attempts": outcome.Attempts})
		}
	}

	// Stage 4: propagation.
	start = time.Now()
	changeKind := payload.ChangeKind
	if changeKind == "" {
		changeKind = "content_update"
	}
	propCtx := ctx
	if s.propagationTimeout > 0 {
		var cancel context.CancelFunc
		propCtx, cancel = context.WithTimeout(ctx, s.propagationTimeout)
		defer cancel()
	}
	trig := s.propagator.Trigger(propCtx, payload.ContentUnit, payload.SubUnit, changeKind, correlationID)
	res.Propagation = trig
	res.StageTimings[StagePropagation] = time.Since(start).Milliseconds()

	switch {
	case trig.TriggeredDependencies > 0 && len(trig.Errors) > trig.TriggeredDependencies/2:
		// Propagation errors fail the event only as the majority outcome.
		status = StatusFailed
		res.ErrorDetails = &ErrorDetails{
			Stage:         StagePropagation,
			Code:          CodePropagationError,
			Message:       "majority of dependency actions failed",
			RetryPossible: true,
		}
		s.audit(ctx, res, StagePropagation, "failed", CodePropagationError, map[string]any{
			"triggered": trig.TriggeredDependencies, "errors": len(trig.Errors),
		})
	case len(trig.Errors) > 0:
		if status == StatusCompleted {
			status = StatusPartial
		}
		s.audit(ctx, res, StagePropagation, "partial", CodePropagationError, map[string]any{
			"triggered": trig.TriggeredDependencies, "errors": len(trig.Errors),
		})
	default:
		s.audit(ctx, res, StagePropagation, "completed", "", map[string]any{
			"triggered": trig.TriggeredDependencies, "invalidated": trig.InvalidationsPerformed,
		})
	}
	s.broadcast(ctx, res, "propagation_completed", map[string]any{
		"triggered": trig.TriggeredDependencies,
		"errors":    len(trig.Errors),
	})

	res.Status = status
	res.Success = status != StatusFailed
	s.finish(ctx, res)
	return res
}

func (s *Service) finish(ctx context.Context, res *Result) {
	var total int64
	for _, ms := range res.StageTimings {
		total += ms
	}
	res.StageTimings[StagePipeline] = total

	code := ""
	if res.ErrorDetails != nil {
		code = res.ErrorDetails.Code
	}
	s.audit(ctx, res, StagePipeline, res.Status, code, map[string]any{"timings_ms": res.StageTimings})

	kind := "pipeline_completed"
	if res.Status == StatusFailed {
		kind = "pipeline_failed"
	}
	s.broadcast(ctx, res, kind, map[string]any{"status": res.Status})
	s.mirrorAudit(ctx, res)
	slog.InfoContext(ctx, "pipeline finished", "status", res.Status, "total_ms", total)
}

func (s *Service) mirrorAudit(ctx context.Context, res *Result) {
	if s.events == nil {
		return
	}
	summary := map[string]any{
		"correlation_id": res.CorrelationID,
		"status":         res.Status,
		"timings_ms":     res.StageTimings,
	}
	if res.ContentRef != nil {
		summary["content_unit"] = res.ContentRef.Unit
	}
	if res.ErrorDetails != nil {
		summary["error_code"] = res.ErrorDetails.Code
	}
	body, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.events.Publish(config.TopicAuditTrail, body); err != nil {
		slog.WarnContext(ctx, "failed to mirror audit summary", "error", err)
	}
}

func (s *Service) audit(ctx context.Context, res *Result, stage, status, errorCode string, detail map[string]any) {
	if s.auditRepo == nil {
		return
	}
	rec := &audit.Record{
		CorrelationID: res.CorrelationID,
		Stage:         stage,
		Status:        status,
		DurationMs:    res.StageTimings[stage],
		ErrorCode:     errorCode,
	}
	if res.ContentRef != nil {
		rec.ContentUnit = res.ContentRef.Unit
		rec.SubUnit = res.ContentRef.SubUnit
	}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			rec.Detail = raw
		}
	}
	if err := s.auditRepo.Upsert(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "failed to persist audit record", "stage", stage, "error", err)
	}
}

func (s *Service) broadcast(ctx context.Context, res *Result, kind string, data map[string]any) {
	if s.bus == nil {
		return
	}
	opts := stream.PublishOptions{Channels: []string{"pipeline"}, Priority: 5}
	if res.ContentRef != nil {
		opts.Unit = res.ContentRef.Unit
		opts.SubUnit = res.ContentRef.SubUnit
		opts.Channels = append(opts.Channels, res.ContentRef.Unit)
	}
	s.bus.Publish(ctx, kind, res.CorrelationID, data, opts)
}

func parsePayload(raw []byte) (*webhookPayload, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.ContentUnit == "" {
		return nil, errMissingContentUnit
	}
	return &p, nil
}

var errMissingContentUnit = errors.New("payload missing content_unit")

func stageStatus(ok bool) string {
	if ok {
		return "completed"
	}
	return "failed"
}

func errCode(failed bool, code string) string {
	if failed {
		return code
	}
	return ""
}
