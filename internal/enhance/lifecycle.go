package enhance

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusMaxRetriesReached Status = "max_retries_reached"
)

// Lifecycle tracks one enhancement attempt sequence for one content unit.
// Terminal states are completed and max_retries_reached; a terminal lifecycle
// is never retried.
type Lifecycle struct {
	ID             string           `json:"id"`
	ContentUnit    string           `json:"content_unit"`
	SubUnit        string           `json:"sub_unit,omitempty"`
	SourceSnapshot json.RawMessage  `json:"source_snapshot"`
	Attempt        int              `json:"attempt_number"`
	MaxAttempts    int              `json:"max_attempts"`
	Status         Status           `json:"status"`
	Violations     []FieldViolation `json:"violations,omitempty"`
	FallbackToOpal bool             `json:"fallback_to_opal"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`
}

func (l *Lifecycle) Terminal() bool {
	return l.Status == StatusCompleted || l.Status == StatusMaxRetriesReached
}
