package depgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TargetStore performs the actual invalidation/revalidation calls against
// dependent content units. Implementations are expected to be time-boxed by
// the passed context.
type TargetStore interface {
	InvalidateCache(ctx context.Context, unit, subUnit string) error
	Revalidate(ctx context.Context, unit, subUnit string) error
}

// WorkflowApplier applies declarative workflow rules. The rules themselves
// are opaque to the propagator.
type WorkflowApplier interface {
	Apply(ctx context.Context, dep *Dependency, changeKind, correlationID string) error
}

type DependencyError struct {
	DependencyID string `json:"dependency_id"`
	Target       string `json:"target"`
	Message      string `json:"message"`
}

type TriggerResult struct {
	TriggeredDependencies  int               `json:"triggered_dependencies"`
	InvalidationsPerformed int               `json:"invalidations_performed"`
	RevalidationsPerformed int               `json:"revalidations_performed"`
	Errors                 []DependencyError `json:"errors"`
	Skipped                bool              `json:"skipped,omitempty"`
}

type Propagator struct {
	graph    *Graph
	targets  TargetStore
	workflow WorkflowApplier

	// inflight guards each (unit, sub_unit) key against re-entrant triggers.
	inflight sync.Map

	// sleep is injectable so tests run configured delays instantly.
	sleep func(ctx context.Context, d time.Duration)
}

func NewPropagator(graph *Graph, targets TargetStore, workflow WorkflowApplier) *Propagator {
	return &Propagator{
		graph:    graph,
		targets:  targets,
		workflow: workflow,
		sleep:    sleepCtx,
	}
}

// WithSleep overrides the delay sleeper. Intended for tests.
func (p *Propagator) WithSleep(fn func(ctx context.Context, d time.Duration)) *Propagator {
	p.sleep = fn
	return p
}

// Trigger processes outgoing dependencies of (unit, subUnit) in descending
// strength order. A trigger already in flight for the same key is skipped to
// keep recursive cascades bounded; per-dependency failures are accumulated
// and do not abort the trigger.
func (p *Propagator) Trigger(ctx context.Context, unit, subUnit, changeKind, correlationID string) *TriggerResult {
	res := &TriggerResult{Errors: []DependencyError{}}

	key := Key{unit, subUnit}
	if _, loaded := p.inflight.LoadOrStore(key, struct{}{}); loaded {
		slog.InfoContext(ctx, "propagation already in flight, skipping to avoid cycle",
			"key", key.String(), "change_kind", changeKind)
		res.Skipped = true
		return res
	}
	defer p.inflight.Delete(key)

	deps := p.graph.Outgoing(unit, subUnit)
	invalidated := make(map[Key]bool)

	for _, dep := range deps {
		res.TriggeredDependencies++

		if dep.Delay > 0 {
			p.sleep(ctx, dep.Delay)
		}
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, DependencyError{
				DependencyID: dep.ID,
				Target:       dep.targetKey().String(),
				Message:      err.Error(),
			})
			continue
		}

		if err := p.act(ctx, dep, changeKind, correlationID, invalidated, res); err != nil {
			res.Errors = append(res.Errors, DependencyError{
				DependencyID: dep.ID,
				Target:       dep.targetKey().String(),
				Message:      err.Error(),
			})
			slog.WarnContext(ctx, "dependency action failed",
				"dependency_id", dep.ID, "target", dep.targetKey().String(), "error", err)
		}
	}

	slog.InfoContext(ctx, "propagation complete",
		"key", key.String(),
		"triggered", res.TriggeredDependencies,
		"invalidated", res.InvalidationsPerformed,
		"revalidated", res.RevalidationsPerformed,
		"errors", len(res.Errors))
	return res
}

func (p *Propagator) act(ctx context.Context, dep *Dependency, changeKind, correlationID string, invalidated map[Key]bool, res *TriggerResult) error {
	target := dep.targetKey()

	invalidate := func() error {
		if !dep.AutoInvalidate || invalidated[target] {
			return nil
		}
		if err := p.targets.InvalidateCache(ctx, dep.TargetUnit, dep.TargetSubUnit); err != nil {
			return fmt.Errorf("invalidate %s: %w", target, err)
		}
		invalidated[target] = true
		res.InvalidationsPerformed++
		return nil
	}
	revalidate := func() error {
		if err := p.targets.Revalidate(ctx, dep.TargetUnit, dep.TargetSubUnit); err != nil {
			return fmt.Errorf("revalidate %s: %w", target, err)
		}
		res.RevalidationsPerformed++
		return nil
	}

	switch dep.Kind {
	case KindCache:
		return invalidate()
	case KindValidation:
		return revalidate()
	case KindData:
		if err := invalidate(); err != nil {
			return err
		}
		return revalidate()
	case KindWorkflow:
		if p.workflow == nil {
			return nil
		}
		return p.workflow.Apply(ctx, dep, changeKind, correlationID)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, dep.Kind)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
