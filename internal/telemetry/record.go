// Package telemetry persists the per-request audit trail asynchronously:
// records are queued on the request path and written to the sink by a
// background worker pool, so a slow database never blocks inference.
//
// Records carry scrubbed payloads only. Nothing in this package may ever
// see raw prompts, raw completions, or secret material.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Request outcomes as persisted in the audit trail. Budget refusals buy
// nothing and emit no record; every outcome here follows a reservation.
const (
	OutcomeSuccess        = "success"
	OutcomeSecretMissing  = "secret_missing"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeUnavailable    = "unavailable"
	OutcomeInvalidRequest = "invalid_request"
)

// Record is one audit-trail entry. RecordID is the idempotency key: the
// sink must tolerate the same record being delivered more than once.
type Record struct {
	RecordID         string          `json:"record_id"`
	Timestamp        time.Time       `json:"timestamp"`
	UserID           string          `json:"user_id"`
	Email            string          `json:"email"`
	ProjectID        string          `json:"project_id"`
	Model            string          `json:"model"`
	RequestScrubbed  json.RawMessage `json:"request_scrubbed"`
	ResponseScrubbed json.RawMessage `json:"response_scrubbed"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostMicros       int64           `json:"cost_micros"`
	LatencyMS        int64           `json:"latency_ms"`
	Outcome          string          `json:"outcome"`
	Markers          []string        `json:"markers,omitempty"`
	RedactedEntities map[string]int  `json:"redacted_entities,omitempty"`
}

// NewRecord stamps identity and time onto a fresh record.
func NewRecord(userID, email, projectID, model string) *Record {
	return &Record{
		RecordID:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Email:     email,
		ProjectID: projectID,
		Model:     model,
	}
}
