// Package enhance enriches agent payloads through an AI call while
// guaranteeing the quantitative fields of the original payload are never
// altered. Enhancement is best effort: after the attempt budget is exhausted
// the caller always gets the unmodified source back.
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrTransport = errors.New("enhancement transport error")

	attemptCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opalsync_enhance_attempts_total",
		Help: "Enhancement attempts, by outcome.",
	}, []string{"outcome"})
	fallbackCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opalsync_enhance_fallbacks_total",
		Help: "Enhancements that fell back to the original payload.",
	})
)

// AIClient is the external provider boundary. The response is treated as
// opaque and untrusted JSON.
type AIClient interface {
	Complete(ctx context.Context, prompt string) (map[string]any, error)
}

// Outcome is what the pipeline consumes after an enhancement run.
type Outcome struct {
	EnhancedContent  map[string]any   `json:"enhanced_content,omitempty"`
	FallbackToOpal   bool             `json:"fallback_to_opal"`
	OverrideDetected bool             `json:"opal_override_detected"`
	Attempts         int              `json:"attempts"`
	Violations       []FieldViolation `json:"violations,omitempty"`
	Lifecycle        *Lifecycle       `json:"lifecycle"`
}

type Engine struct {
	client      AIClient
	detector    *Detector
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration

	// sleep is injectable so tests run without real backoff delays.
	sleep func(ctx context.Context, d time.Duration)
}

func NewEngine(client AIClient, detector *Detector, maxAttempts int, timeout, backoffBase time.Duration) *Engine {
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	return &Engine{
		client:      client,
		detector:    detector,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		backoffBase: backoffBase,
		sleep:       sleepCtx,
	}
}

// WithSleep overrides the backoff sleeper. Intended for tests.
func (e *Engine) WithSleep(fn func(ctx context.Context, d time.Duration)) *Engine {
	e.sleep = fn
	return e
}

// Enhance runs up to maxAttempts enhancement attempts for one content unit.
// Guardrail violations count toward the retry budget exactly like transport
// errors; they are never silently accepted.
func (e *Engine) Enhance(ctx context.Context, unit, subUnit string, source map[string]any) *Outcome {
	snapshot, _ := json.Marshal(source)
	lc := &Lifecycle{
		ID:             uuid.New().String(),
		ContentUnit:    unit,
		SubUnit:        subUnit,
		SourceSnapshot: snapshot,
		MaxAttempts:    e.maxAttempts,
		Status:         StatusPending,
		StartedAt:      time.Now(),
	}
	out := &Outcome{Lifecycle: lc}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lc.Attempt = attempt
		lc.Status = StatusProcessing
		out.Attempts = attempt

		enhanced, violations, err := e.attempt(ctx, source)
		switch {
		case err != nil:
			attemptCounter.WithLabelValues("transport_error").Inc()
			slog.WarnContext(ctx, "enhancement attempt failed",
				"unit", unit, "attempt", attempt, "error", err)
		case len(violations) > 0:
			attemptCounter.WithLabelValues("guardrail_violation").Inc()
			out.OverrideDetected = true
			out.Violations = append(out.Violations, violations...)
			lc.Violations = append(lc.Violations, violations...)
			for _, v := range violations {
				slog.ErrorContext(ctx, "guardrail violation: AI altered quantitative field",
					"unit", unit, "attempt", attempt,
					"field", v.Field, "source_value", v.Source, "proposed_value", v.Proposed)
			}
		default:
			attemptCounter.WithLabelValues("completed").Inc()
			lc.Status = StatusCompleted
			lc.FinishedAt = time.Now()
			out.EnhancedContent = e.merge(source, enhanced)
			return out
		}

		lc.Status = StatusFailed
		if attempt < e.maxAttempts {
			e.sleep(ctx, e.backoffBase*time.Duration(1<<(attempt-1)))
		}
	}

	lc.Status = StatusMaxRetriesReached
	lc.FallbackToOpal = true
	lc.FinishedAt = time.Now()
	out.FallbackToOpal = true
	fallbackCounter.Inc()
	slog.WarnContext(ctx, "enhancement exhausted attempts, falling back to original payload",
		"unit", unit, "attempts", e.maxAttempts, "override_detected", out.OverrideDetected)
	return out
}

func (e *Engine) attempt(ctx context.Context, source map[string]any) (map[string]any, []FieldViolation, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	proposal, err := e.client.Complete(callCtx, buildPrompt(source))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if violations := e.detector.Violations(source, proposal); len(violations) > 0 {
		return nil, violations, nil
	}
	return proposal, nil, nil
}

// merge overlays enhancement fields on a copy of the source. Source values win
// for keys present in both, so even a non-quantitative collision cannot
// override original data. Acknowledgment bookkeeping keys are dropped.
func (e *Engine) merge(source, enhanced map[string]any) map[string]any {
	out := make(map[string]any, len(source)+len(enhanced))
	for k, v := range enhanced {
		if k == "source_data_preserved" || k == "opal_data_preserved" {
			continue
		}
		out[k] = v
	}
	for k, v := range source {
		out[k] = v
	}
	return out
}

func buildPrompt(source map[string]any) string {
	raw, _ := json.MarshalIndent(source, "", "  ")
	return fmt.Sprintf(`You are a content enhancement assistant for an analytics dashboard.

Below is the original payload produced by an automation agent. Return a JSON
object containing ONLY new enhancement fields (summaries, headlines,
recommendations, formatting hints). You must NOT repeat, modify or recompute
any numeric or metric field of the original payload. Include
"source_data_preserved": true in your response to acknowledge this rule.

Original payload:
%s

Respond with a single JSON object and nothing else.`, raw)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
