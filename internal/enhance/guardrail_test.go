package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVocab() []string {
	return []string{"count", "rate", "score", "views", "revenue", "total"}
}

func TestDetector_Extract(t *testing.T) {
	d := NewDetector(testVocab())

	payload := map[string]any{
		"views":    float64(100),
		"title":    "Strategy Plans",
		"bounce":   float64(3), // key not in vocabulary
		"revenue":  "1234.5",   // numeric-looking string
		"trend":    []any{float64(1), float64(2)},
		"sections": map[string]any{"total_count": float64(7)},
	}

	got := d.Extract(payload)
	assert.Equal(t, map[string]float64{
		"views":                100,
		"revenue":              1234.5,
		"sections.total_count": 7,
	}, got)
}

func TestDetector_Violations(t *testing.T) {
	d := NewDetector(testVocab())

	source := map[string]any{"views": float64(100), "score": float64(0.5)}

	t.Run("AlteredField", func(t *testing.T) {
		proposal := map[string]any{"views": float64(150), "summary": "better"}
		v := d.Violations(source, proposal)
		assert.Len(t, v, 1)
		assert.Equal(t, "views", v[0].Field)
		assert.Equal(t, float64(100), v[0].Source)
		assert.Equal(t, float64(150), v[0].Proposed)
	})

	t.Run("WithinTolerance", func(t *testing.T) {
		proposal := map[string]any{"views": float64(100.00001)}
		assert.Empty(t, d.Violations(source, proposal))
	})

	t.Run("ProposalOnlyFieldsIgnored", func(t *testing.T) {
		proposal := map[string]any{"engagement_score": float64(9)}
		assert.Empty(t, d.Violations(source, proposal))
	})

	t.Run("NumericStringComparable", func(t *testing.T) {
		proposal := map[string]any{"views": "250"}
		v := d.Violations(source, proposal)
		assert.Len(t, v, 1)
	})
}
