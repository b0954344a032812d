package workbench

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ocx/inference-gateway/internal/budget"
	"github.com/ocx/inference-gateway/internal/compliance"
	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/redaction"
)

// Issue is one validation finding. Validation never mutates the draft.
type Issue struct {
	Severity string `json:"severity"` // "error" | "warning"
	Field    string `json:"field"`
	Detail   string `json:"detail"`
}

// PublishResult is the outcome of signing and publishing an approved
// draft.
type PublishResult struct {
	ArtifactURI string `json:"artifact_uri"`
	Signature   string `json:"signature"`
}

// Service implements the workbench operations on top of the Store's
// transactional mutations.
type Service struct {
	store    Store
	ledger   *budget.Ledger
	catalog  *modelcatalog.Catalog
	engine   *redaction.Engine
	manifest *compliance.Manifest
	signKey  ed25519.PrivateKey

	now func() time.Time
}

// NewService generates the artifact signing key at startup.
func NewService(store Store, ledger *budget.Ledger, catalog *modelcatalog.Catalog,
	engine *redaction.Engine, manifest *compliance.Manifest) (*Service, error) {
	_, signKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate artifact signing key: %w", err)
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		catalog:  catalog,
		engine:   engine,
		manifest: manifest,
		signKey:  signKey,
		now:      time.Now,
	}, nil
}

// Create opens a new draft owned by the caller.
func (s *Service) Create(ctx context.Context, principal *core.Principal, aucID, title string, content json.RawMessage, runtimeEnv string) (*Draft, error) {
	if !principal.HasProject(aucID) {
		return nil, core.Errf(core.KindForbidden, "Not authorized for project %s.", aucID)
	}
	if err := requireJSONObject(content); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, core.NewError(core.KindValidationFailed, "title is required.")
	}

	now := s.now().UTC()
	draft := &Draft{
		AucID:      aucID,
		Title:      title,
		Content:    content,
		RuntimeEnv: runtimeEnv,
		Status:     StatusDraft,
		Owner:      principal.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// List returns the project's live drafts, newest change first.
func (s *Service) List(ctx context.Context, principal *core.Principal, aucID string) ([]*Draft, error) {
	if !principal.HasProject(aucID) {
		return nil, core.Errf(core.KindForbidden, "Not authorized for project %s.", aucID)
	}
	return s.store.List(ctx, aucID)
}

// Get fetches one draft, enforcing project membership.
func (s *Service) Get(ctx context.Context, principal *core.Principal, draftID string) (*Draft, error) {
	draft, err := s.store.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if !principal.HasProject(draft.AucID) {
		return nil, core.Errf(core.KindForbidden, "Not authorized for project %s.", draft.AucID)
	}
	return draft, nil
}

// Delete soft-deletes a draft. Owner or manager only.
func (s *Service) Delete(ctx context.Context, principal *core.Principal, draftID string) error {
	_, err := s.store.Mutate(ctx, draftID, func(d *Draft) error {
		if !principal.HasProject(d.AucID) {
			return core.Errf(core.KindForbidden, "Not authorized for project %s.", d.AucID)
		}
		if d.Owner != principal.UserID && !principal.HasRole(core.RoleManager) {
			return core.NewError(core.KindForbidden, "Only the owner or a manager can delete a draft.")
		}
		d.Deleted = true
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	return err
}

// Acquire takes (or reuses) the edit lock. An unlocked, self-held, or
// expired lock yields EDIT; a live foreign lock yields SAFE_VIEW for
// managers and LockConflict for everyone else.
func (s *Service) Acquire(ctx context.Context, principal *core.Principal, draftID string) (*LockGrant, error) {
	var grant *LockGrant
	_, err := s.store.Mutate(ctx, draftID, func(d *Draft) error {
		if !principal.HasProject(d.AucID) {
			return core.Errf(core.KindForbidden, "Not authorized for project %s.", d.AucID)
		}

		now := s.now().UTC()
		if !d.lockLive(now) || d.LockedBy == principal.UserID {
			d.LockedBy = principal.UserID
			d.LockExpiresAt = now.Add(LockDuration)
			grant = &LockGrant{Mode: ModeEdit, LockedBy: principal.UserID, ExpiresAt: d.LockExpiresAt}
			return nil
		}
		if principal.HasRole(core.RoleManager) {
			grant = &LockGrant{Mode: ModeSafeView, LockedBy: d.LockedBy}
			return nil
		}
		return core.Errf(core.KindLockConflict, "Draft is locked by %s.", d.LockedBy)
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Heartbeat extends a live self-held lock.
func (s *Service) Heartbeat(ctx context.Context, principal *core.Principal, draftID string) error {
	_, err := s.store.Mutate(ctx, draftID, func(d *Draft) error {
		if !principal.HasProject(d.AucID) {
			return core.Errf(core.KindForbidden, "Not authorized for project %s.", d.AucID)
		}
		now := s.now().UTC()
		if !d.lockHeldBy(principal.UserID, now) {
			return core.NewError(core.KindLockConflict, "Lock not held.")
		}
		d.LockExpiresAt = now.Add(LockDuration)
		return nil
	})
	return err
}

// Update rewrites title and content. Requires a live self-held lock and
// an editable review state. An empty runtimeEnv leaves the recorded one.
func (s *Service) Update(ctx context.Context, principal *core.Principal, draftID, title string, content json.RawMessage, runtimeEnv string) (*Draft, error) {
	if err := requireJSONObject(content); err != nil {
		return nil, err
	}
	return s.store.Mutate(ctx, draftID, func(d *Draft) error {
		if !principal.HasProject(d.AucID) {
			return core.Errf(core.KindForbidden, "Not authorized for project %s.", d.AucID)
		}
		now := s.now().UTC()
		if !d.lockHeldBy(principal.UserID, now) {
			return core.NewError(core.KindLockConflict, "Lock not held.")
		}
		if !d.editable() {
			return core.Errf(core.KindConflict, "Draft in status %s cannot be edited.", d.Status)
		}
		if title != "" {
			d.Title = title
		}
		if runtimeEnv != "" {
			d.RuntimeEnv = runtimeEnv
		}
		d.Content = content
		d.UpdatedAt = now
		return nil
	})
}

// Transition moves the draft through the review state machine.
func (s *Service) Transition(ctx context.Context, principal *core.Principal, draftID, verb string) (*Draft, error) {
	return s.store.Mutate(ctx, draftID, func(d *Draft) error {
		if !principal.HasProject(d.AucID) {
			return core.Errf(core.KindForbidden, "Not authorized for project %s.", d.AucID)
		}

		switch verb {
		case "submit":
			if d.Owner != principal.UserID {
				return core.NewError(core.KindForbidden, "Only the owner can submit a draft.")
			}
			if !d.editable() {
				return core.Errf(core.KindConflict, "Cannot submit from status %s.", d.Status)
			}
			d.Status = StatusPending
		case "approve", "reject":
			if !principal.HasRole(core.RoleManager) {
				return core.NewError(core.KindForbidden, "Manager role required.")
			}
			if d.Status != StatusPending {
				return core.Errf(core.KindConflict, "Cannot %s from status %s.", verb, d.Status)
			}
			if verb == "approve" {
				d.Status = StatusApproved
			} else {
				d.Status = StatusRejected
			}
		default:
			return core.Errf(core.KindValidationFailed, "Unknown transition %q.", verb)
		}
		d.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Validate inspects a draft without mutating it: missing fields, PII in
// the prompt, and the estimated run cost against the caller's remaining
// budget.
func (s *Service) Validate(ctx context.Context, principal *core.Principal, draftID string) ([]Issue, error) {
	draft, err := s.Get(ctx, principal, draftID)
	if err != nil {
		return nil, err
	}

	issues := []Issue{}
	var content map[string]any
	if err := json.Unmarshal(draft.Content, &content); err != nil {
		issues = append(issues, Issue{Severity: "error", Field: "content", Detail: "Content is not a JSON object."})
		return issues, nil
	}

	if draft.Title == "" {
		issues = append(issues, Issue{Severity: "error", Field: "title", Detail: "Title is required."})
	}
	prompt, _ := content["prompt"].(string)
	if prompt == "" {
		issues = append(issues, Issue{Severity: "error", Field: "prompt", Detail: "Content must include a prompt."})
		return issues, nil
	}

	for _, span := range s.engine.Findings(prompt) {
		issues = append(issues, Issue{
			Severity: "warning",
			Field:    "prompt",
			Detail:   fmt.Sprintf("Possible %s at offset %d.", span.Entity, span.Start),
		})
	}

	if modelID, _ := content["model"].(string); modelID != "" {
		model, err := s.catalog.Get(modelID)
		if err != nil {
			issues = append(issues, Issue{Severity: "error", Field: "model", Detail: fmt.Sprintf("Unknown model %s.", modelID)})
			return issues, nil
		}
		promptTokens := int64(len(prompt))/4 + 1
		estimate := model.Cost(promptTokens, int64(model.MaxOutputTokens))
		remaining, err := s.ledger.RemainingToday(ctx, principal.UserID)
		if err != nil {
			return nil, err
		}
		if estimate > remaining {
			issues = append(issues, Issue{
				Severity: "warning",
				Field:    "model",
				Detail:   fmt.Sprintf("Estimated cost %dµ exceeds remaining daily budget %dµ.", estimate, remaining),
			})
		}
	}

	return issues, nil
}

// artifactManifest is the published YAML document.
type artifactManifest struct {
	DraftID            string    `yaml:"draft_id"`
	AucID              string    `yaml:"auc_id"`
	Title              string    `yaml:"title"`
	Content            string    `yaml:"content"`
	RuntimeEnv         string    `yaml:"runtime_env,omitempty"`
	ApprovedAt         time.Time `yaml:"assembled_at"`
	ComplianceChecksum string    `yaml:"compliance_checksum"`
	ComplianceVersion  string    `yaml:"compliance_version"`
}

// Assemble renders the artifact manifest for an approved draft.
func (s *Service) Assemble(ctx context.Context, principal *core.Principal, draftID string) ([]byte, error) {
	draft, err := s.Get(ctx, principal, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != StatusApproved {
		return nil, core.Errf(core.KindConflict, "Only approved drafts can be assembled, status is %s.", draft.Status)
	}

	manifest := artifactManifest{
		DraftID:            draft.ID,
		AucID:              draft.AucID,
		Title:              draft.Title,
		Content:            string(draft.Content),
		RuntimeEnv:         draft.RuntimeEnv,
		ApprovedAt:         s.now().UTC(),
		ComplianceChecksum: s.manifest.Fingerprint(),
		ComplianceVersion:  s.manifest.Version,
	}
	out, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact manifest: %w", err)
	}
	return out, nil
}

// Publish assembles, signs, and records the signature fingerprint.
func (s *Service) Publish(ctx context.Context, principal *core.Principal, draftID string) (*PublishResult, error) {
	manifest, err := s.Assemble(ctx, principal, draftID)
	if err != nil {
		return nil, err
	}

	signature := ed25519.Sign(s.signKey, manifest)
	encoded := base64.StdEncoding.EncodeToString(signature)
	digest := sha256.Sum256(signature)
	fingerprint := hex.EncodeToString(digest[:8])

	if _, err := s.store.Mutate(ctx, draftID, func(d *Draft) error {
		d.SignatureFingerprint = fingerprint
		d.UpdatedAt = s.now().UTC()
		return nil
	}); err != nil {
		return nil, err
	}

	return &PublishResult{
		ArtifactURI: fmt.Sprintf("artifact://%s/%s", draftID, fingerprint),
		Signature:   encoded,
	}, nil
}

// VerifyArtifact checks a manifest against its published signature.
func (s *Service) VerifyArtifact(manifest []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.signKey.Public().(ed25519.PublicKey), manifest, sig)
}

func requireJSONObject(content json.RawMessage) error {
	var obj map[string]any
	if len(content) == 0 || json.Unmarshal(content, &obj) != nil {
		return core.NewError(core.KindValidationFailed, "content must be a JSON object.")
	}
	return nil
}
