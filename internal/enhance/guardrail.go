package enhance

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tolerance is the floating point slack allowed when comparing quantitative
// fields between the source payload and an AI proposal.
const Tolerance = 1e-4

// FieldViolation records one quantitative field the AI attempted to alter.
type FieldViolation struct {
	Field    string  `json:"field"`
	Source   float64 `json:"source_value"`
	Proposed float64 `json:"proposed_value"`
}

// Detector finds quantitative fields by heuristic key-name matching: a key
// counts when its lower-cased name contains any vocabulary fragment and its
// value is numeric or a numeric-looking string. The heuristic deliberately
// trades precision for recall and does not descend into arrays of numbers
// (trend series pass through unchecked).
type Detector struct {
	vocab []string
}

func NewDetector(vocab []string) *Detector {
	lowered := make([]string, 0, len(vocab))
	for _, v := range vocab {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			lowered = append(lowered, v)
		}
	}
	return &Detector{vocab: lowered}
}

// Extract walks the payload recursively and returns every quantitative field
// keyed by its dotted path.
func (d *Detector) Extract(payload map[string]any) map[string]float64 {
	out := make(map[string]float64)
	d.walk("", payload, out)
	return out
}

func (d *Detector) walk(prefix string, node map[string]any, out map[string]float64) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			d.walk(path, val, out)
		default:
			if !d.matches(k) {
				continue
			}
			if f, ok := numericValue(v); ok {
				out[path] = f
			}
		}
	}
}

func (d *Detector) matches(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range d.vocab {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Violations compares quantitative fields present in both source and proposal.
func (d *Detector) Violations(source, proposal map[string]any) []FieldViolation {
	src := d.Extract(source)
	prop := d.Extract(proposal)

	var out []FieldViolation
	for path, sv := range src {
		pv, ok := prop[path]
		if !ok {
			continue
		}
		if math.Abs(sv-pv) > Tolerance {
			out = append(out, FieldViolation{Field: path, Source: sv, Proposed: pv})
		}
	}
	return out
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
