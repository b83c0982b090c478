package audit

import (
	"encoding/json"
	"time"
)

// Record is one stage transition of a pipeline run. Upserts are keyed by
// (correlation_id, stage) so a crash mid-pipeline leaves a diagnosable
// partial trail.
type Record struct {
	CorrelationID string          `json:"correlation_id"`
	ContentUnit   string          `json:"content_unit,omitempty"`
	SubUnit       string          `json:"sub_unit,omitempty"`
	Stage         string          `json:"stage"`
	Status        string          `json:"status"`
	DurationMs    int64           `json:"duration_ms"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
