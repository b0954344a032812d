// Package workbench manages prompt drafts: pessimistic 30-second edit
// locks, the review state machine, validation, and signed artifact
// publication for approved drafts.
package workbench

import (
	"encoding/json"
	"time"
)

// Draft review states.
const (
	StatusDraft    = "DRAFT"
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Access modes granted by Acquire.
const (
	ModeEdit     = "EDIT"
	ModeSafeView = "SAFE_VIEW"
)

// LockDuration is how long an edit lock lives without a heartbeat.
const LockDuration = 30 * time.Second

// Draft is one workbench document. Content is always a JSON object.
type Draft struct {
	ID      string          `json:"id"`
	AucID   string          `json:"auc_id"`
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content"`

	// RuntimeEnv fingerprints the environment the prompt targets, e.g.
	// "python-3.12/linux-amd64". Free-form, optional.
	RuntimeEnv string `json:"runtime_env,omitempty"`

	Status    string    `json:"status"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LockedBy      string    `json:"locked_by,omitempty"`
	LockExpiresAt time.Time `json:"lock_expires_at,omitempty"`

	// SignatureFingerprint is set once the draft has been published.
	SignatureFingerprint string `json:"signature_fingerprint,omitempty"`

	Deleted bool `json:"-"`
}

// lockHeldBy reports whether user holds a live lock at now.
func (d *Draft) lockHeldBy(user string, now time.Time) bool {
	return d.LockedBy == user && now.Before(d.LockExpiresAt)
}

// lockLive reports whether anyone holds a live lock at now.
func (d *Draft) lockLive(now time.Time) bool {
	return d.LockedBy != "" && now.Before(d.LockExpiresAt)
}

// editable reports whether content updates are allowed in the current
// review state.
func (d *Draft) editable() bool {
	return d.Status == StatusDraft || d.Status == StatusRejected
}

// LockGrant is the outcome of a successful Acquire.
type LockGrant struct {
	Mode      string    `json:"mode"`
	LockedBy  string    `json:"locked_by"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}
