package sdk

import (
	"encoding/json"
	"fmt"
	"time"
)

// Draft statuses as the gateway reports them.
const (
	StatusDraft    = "DRAFT"
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Access modes returned when opening a draft.
const (
	ModeEdit     = "EDIT"
	ModeSafeView = "SAFE_VIEW"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is what the SDK sends to the governed completion endpoint.
type ChatRequest struct {
	// ProjectID scopes the request to an authorized project.
	ProjectID string `json:"project_id"`

	// Model names a catalog entry (e.g. "gpt-4o").
	Model string `json:"model"`

	Messages []Message `json:"messages"`

	// Seed pins upstream sampling for reproducibility (optional).
	Seed *int64 `json:"seed,omitempty"`

	// MaxTokens caps the completion length (optional).
	MaxTokens int `json:"max_tokens,omitempty"`

	// EstimatedCostMicros raises the budget reservation when the caller
	// knows the request will run long. It can never lower it.
	EstimatedCostMicros int64 `json:"estimated_cost_micros,omitempty"`
}

// ChatResponse carries the upstream completion plus the gateway's
// accounting. Body is the provider's response verbatim.
type ChatResponse struct {
	RecordID         string          `json:"record_id"`
	Model            string          `json:"model"`
	Body             json.RawMessage `json:"body"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostMicros       int64           `json:"cost_micros"`
	LatencyMS        int64           `json:"latency_ms"`
}

// Draft is a workbench draft as returned by the gateway. Mode and
// LockedBy are only populated when the draft was opened (GET by id).
type Draft struct {
	ID         string          `json:"id"`
	AucID      string          `json:"auc_id"`
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
	RuntimeEnv string          `json:"runtime_env,omitempty"`
	Status     string          `json:"status"`
	Owner      string          `json:"owner"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	LockExpiresAt time.Time `json:"lock_expires_at,omitempty"`

	SignatureFingerprint string `json:"signature_fingerprint,omitempty"`

	// Mode is EDIT or SAFE_VIEW; LockedBy names the current holder when
	// the draft came back read-only.
	Mode     string `json:"mode,omitempty"`
	LockedBy string `json:"locked_by,omitempty"`
}

// LockGrant is the response to a lock heartbeat.
type LockGrant struct {
	Mode      string    `json:"mode"`
	LockedBy  string    `json:"locked_by"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Issue is one pre-flight validation finding.
type Issue struct {
	Severity string `json:"severity"`
	Field    string `json:"field"`
	Detail   string `json:"detail"`
}

// DeviceAuthorization is the start of a device login flow.
type DeviceAuthorization struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Model is a catalog entry summary.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Family   string `json:"family"`
}

// APIError is any non-2xx gateway response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d: %s", e.StatusCode, e.Detail)
}
