package ingest

import (
	"net/http"
	"time"

	"opalsync/internal/depgraph"
	"opalsync/internal/enhance"
	"opalsync/internal/security"
)

// Pipeline stage names, used in audit records and stage timings.
const (
	StageIntake      = "intake"
	StageValidation  = "security_validation"
	StageParse       = "payload_parse"
	StageEnhancement = "enhancement"
	StagePropagation = "propagation"
	StagePipeline    = "pipeline"
)

// Error codes surfaced in error_details.
const (
	CodeSecurityValidationFailed = "security_validation_failed"
	CodePayloadParseFailed       = "payload_parse_failed"
	CodeGuardrailViolation       = "enhancement_guardrail_violation"
	CodeTransportError           = "enhancement_transport_error"
	CodePropagationError         = "propagation_dependency_error"
	CodeConcurrentConflict       = "concurrent_processing_conflict"
)

// Overall pipeline statuses.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// InboundEvent is the immutable record of one received webhook. It is
// discarded once the pipeline completes.
type InboundEvent struct {
	Raw        []byte
	Headers    http.Header
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// ContentRef is the canonical content reference parsed from the payload.
type ContentRef struct {
	Unit       string `json:"content_unit"`
	SubUnit    string `json:"sub_unit,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

// webhookPayload is the wire shape agents send.
type webhookPayload struct {
	ContentUnit string         `json:"content_unit"`
	SubUnit     string         `json:"sub_unit,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	ChangeKind  string         `json:"change_kind,omitempty"`
	Enhance     bool           `json:"enhance,omitempty"`
	Content     map[string]any `json:"content,omitempty"`
}

type ErrorDetails struct {
	Stage         string `json:"stage"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryPossible bool   `json:"retry_possible"`
}

// Result is the structured pipeline outcome returned to the caller.
type Result struct {
	Success       bool                    `json:"success"`
	Status        string                  `json:"status"`
	CorrelationID string                  `json:"correlation_id"`
	StageTimings  map[string]int64        `json:"stage_timings_ms"`
	Security      *security.Result        `json:"security_validation,omitempty"`
	ContentRef    *ContentRef             `json:"content_ref,omitempty"`
	Enhancement   *enhance.Outcome        `json:"enhancement,omitempty"`
	Propagation   *depgraph.TriggerResult `json:"propagation,omitempty"`
	ErrorDetails  *ErrorDetails           `json:"error_details,omitempty"`
}
