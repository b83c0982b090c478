package depgraph

import (
	"context"
	"log/slog"
)

type ValidationType string

const (
	ValidateDirect     ValidationType = "direct"
	ValidateTransitive ValidationType = "transitive"
	ValidateFullSite   ValidationType = "full_site"
)

type Classification string

const (
	ResultPassed  Classification = "passed"
	ResultWarning Classification = "warning"
	ResultPartial Classification = "partial"
	ResultFailed  Classification = "failed"
)

// CacheInspector answers advisory questions about a unit's cached artifact
// and its last enhancement, used to detect inconsistencies.
type CacheInspector interface {
	HasCache(unit string) bool
	LowConfidenceEnhancement(unit string) bool
}

type ConsistencyReport struct {
	Unit            string         `json:"content_unit"`
	Type            ValidationType `json:"validation_type"`
	CheckedUnits    []string       `json:"checked_units"`
	PassedChecks    int            `json:"passed_checks"`
	FailedChecks    int            `json:"failed_checks"`
	Score           float64        `json:"consistency_score"`
	Inconsistencies []string       `json:"inconsistencies,omitempty"`
	Result          Classification `json:"result"`
	ManualReview    bool           `json:"manual_review"`
}

const (
	inconsistencyPenalty = 10.0
	maxPenalty           = 30.0
)

// ConsistencyValidator revalidates a set of content units related to a
// primary unit and scores the outcome 0-100.
type ConsistencyValidator struct {
	graph         *Graph
	targets       TargetStore
	inspector     CacheInspector
	criticalUnits []string
}

func NewConsistencyValidator(graph *Graph, targets TargetStore, inspector CacheInspector, criticalUnits []string) *ConsistencyValidator {
	return &ConsistencyValidator{
		graph:         graph,
		targets:       targets,
		inspector:     inspector,
		criticalUnits: criticalUnits,
	}
}

// Validate revalidates the units in scope for the requested validation type.
// Score is the pass percentage minus a capped deduction per detected
// inconsistency; over half the checks failing classifies the run as failed
// and flags it for manual review.
func (v *ConsistencyValidator) Validate(ctx context.Context, unit string, vt ValidationType) *ConsistencyReport {
	report := &ConsistencyReport{Unit: unit, Type: vt}
	report.CheckedUnits = v.scope(unit, vt)

	for _, u := range report.CheckedUnits {
		if err := v.targets.Revalidate(ctx, u, ""); err != nil {
			report.FailedChecks++
			report.Inconsistencies = append(report.Inconsistencies, "revalidation failed: "+u)
			continue
		}
		report.PassedChecks++
	}

	if v.inspector != nil {
		if !v.inspector.HasCache(unit) {
			report.Inconsistencies = append(report.Inconsistencies, "primary unit missing from cache: "+unit)
		}
		if v.inspector.LowConfidenceEnhancement(unit) {
			report.Inconsistencies = append(report.Inconsistencies, "low confidence enhancement: "+unit)
		}
	}

	total := report.PassedChecks + report.FailedChecks
	score := 100.0
	if total > 0 {
		score = float64(report.PassedChecks) / float64(total) * 100
	}
	penalty := inconsistencyPenalty * float64(len(report.Inconsistencies))
	if penalty > maxPenalty {
		penalty = maxPenalty
	}
	score -= penalty
	if score < 0 {
		score = 0
	}
	report.Score = score

	switch {
	case total > 0 && float64(report.FailedChecks) > float64(total)/2:
		report.Result = ResultFailed
		report.ManualReview = true
	case score >= 90:
		report.Result = ResultPassed
	case score >= 70:
		report.Result = ResultWarning
	default:
		report.Result = ResultPartial
	}

	slog.InfoContext(ctx, "consistency validation finished",
		"unit", unit, "type", string(vt), "checked", total,
		"score", report.Score, "result", string(report.Result))
	return report
}

// scope resolves the set of units to check. The primary unit itself is always
// included.
func (v *ConsistencyValidator) scope(unit string, vt ValidationType) []string {
	seen := map[string]bool{unit: true}
	out := []string{unit}
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	switch vt {
	case ValidateDirect:
		for _, dep := range v.graph.Outgoing(unit, "") {
			add(dep.TargetUnit)
		}
	case ValidateTransitive:
		// Visited-set bounded walk; tolerates cycles.
		queue := []string{unit}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, dep := range v.graph.Outgoing(current, "") {
				if !seen[dep.TargetUnit] {
					add(dep.TargetUnit)
					queue = append(queue, dep.TargetUnit)
				}
			}
		}
	case ValidateFullSite:
		for _, u := range v.criticalUnits {
			add(u)
		}
	}
	return out
}
