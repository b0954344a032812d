package workbench

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ocx/inference-gateway/internal/budget"
	"github.com/ocx/inference-gateway/internal/compliance"
	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/redaction"
)

func alice() *core.Principal {
	return &core.Principal{UserID: "alice", Projects: []string{"proj-a"}, Roles: []core.Role{core.RoleDeveloper}}
}

func bob() *core.Principal {
	return &core.Principal{UserID: "bob", Projects: []string{"proj-a"}, Roles: []core.Role{core.RoleDeveloper}}
}

func manager() *core.Principal {
	return &core.Principal{UserID: "mgr", Projects: []string{"proj-a"}, Roles: []core.Role{core.RoleManager}}
}

func outsider() *core.Principal {
	return &core.Principal{UserID: "eve", Projects: []string{"proj-z"}}
}

type fixture struct {
	svc   *Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "models.yaml")
	if err := os.WriteFile(catalogPath, []byte(`
models:
  - id: gpt-test
    provider: openai
    family: standard
    prompt_micros_per_1k: 1000
    completion_micros_per_1k: 2000
    max_output_tokens: 1000
`), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	catalog, err := modelcatalog.Load(catalogPath)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}

	manifestPath := filepath.Join(dir, "compliance.yaml")
	if err := os.WriteFile(manifestPath, []byte("version: \"1\"\nallowlists:\n  libraries: [numpy]\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	manifest, err := compliance.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	ledger := budget.NewLedger(budget.NewMemoryCounter(48*time.Hour), budget.Config{
		DailyCapMicros: 50_000_000,
		Grace:          time.Minute,
	})
	t.Cleanup(ledger.Stop)

	svc, err := NewService(NewMemoryStore(), ledger, catalog,
		redaction.NewEngine(redaction.NewAnalyzer()), manifest)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) draft(t *testing.T) *Draft {
	t.Helper()
	d, err := f.svc.Create(context.Background(), alice(), "proj-a", "Quarterly prompt",
		json.RawMessage(`{"prompt":"Summarize the filing.","model":"gpt-test"}`), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestAcquireMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)

	// Unlocked → EDIT for the first caller.
	grant, err := f.svc.Acquire(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if grant.Mode != ModeEdit || grant.LockedBy != "alice" {
		t.Fatalf("grant = %+v", grant)
	}

	// Live foreign lock → conflict for a developer.
	if _, err := f.svc.Acquire(ctx, bob(), d.ID); !core.IsKind(err, core.KindLockConflict) {
		t.Fatalf("bob should conflict, got %v", err)
	}

	// Live foreign lock → SAFE_VIEW for a manager, lock untouched.
	view, err := f.svc.Acquire(ctx, manager(), d.ID)
	if err != nil {
		t.Fatalf("manager Acquire: %v", err)
	}
	if view.Mode != ModeSafeView || view.LockedBy != "alice" {
		t.Fatalf("manager grant = %+v", view)
	}
	got, err := f.svc.Get(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LockedBy != "alice" {
		t.Errorf("SAFE_VIEW must not steal the lock, holder = %q", got.LockedBy)
	}

	// Self re-acquire refreshes the expiry.
	before := got.LockExpiresAt
	f.advance(10 * time.Second)
	if _, err := f.svc.Acquire(ctx, alice(), d.ID); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	got, _ = f.svc.Get(ctx, alice(), d.ID)
	if !got.LockExpiresAt.After(before) {
		t.Error("self re-acquire should extend the lock")
	}

	// Expired lock → takeover.
	f.advance(LockDuration + time.Second)
	grant, err = f.svc.Acquire(ctx, bob(), d.ID)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if grant.Mode != ModeEdit || grant.LockedBy != "bob" {
		t.Fatalf("takeover grant = %+v", grant)
	}

	// Outside the project → Forbidden regardless of lock state.
	if _, err := f.svc.Acquire(ctx, outsider(), d.ID); !core.IsKind(err, core.KindForbidden) {
		t.Errorf("outsider should be forbidden, got %v", err)
	}

	// Missing draft → NotFound.
	if _, err := f.svc.Acquire(ctx, alice(), "no-such-draft"); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("missing draft should be NotFound, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)

	if err := f.svc.Heartbeat(ctx, alice(), d.ID); !core.IsKind(err, core.KindLockConflict) {
		t.Fatalf("heartbeat without a lock should conflict, got %v", err)
	}

	if _, err := f.svc.Acquire(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	f.advance(20 * time.Second)
	if err := f.svc.Heartbeat(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := f.svc.Get(ctx, alice(), d.ID)
	if want := f.clock.Add(LockDuration); !got.LockExpiresAt.Equal(want) {
		t.Errorf("lock expiry = %v, want %v", got.LockExpiresAt, want)
	}

	// After expiry the heartbeat is too late.
	f.advance(LockDuration + time.Second)
	if err := f.svc.Heartbeat(ctx, alice(), d.ID); !core.IsKind(err, core.KindLockConflict) {
		t.Errorf("heartbeat on an expired lock should conflict, got %v", err)
	}

	// A foreign holder's heartbeat never extends someone else's lock.
	if _, err := f.svc.Acquire(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.svc.Heartbeat(ctx, bob(), d.ID); !core.IsKind(err, core.KindLockConflict) {
		t.Errorf("bob's heartbeat should conflict, got %v", err)
	}
}

func TestUpdateRequiresLockAndEditableStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)
	content := json.RawMessage(`{"prompt":"v2"}`)

	if _, err := f.svc.Update(ctx, alice(), d.ID, "t2", content, ""); !core.IsKind(err, core.KindLockConflict) {
		t.Fatalf("update without a lock should conflict, got %v", err)
	}

	if _, err := f.svc.Acquire(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	updated, err := f.svc.Update(ctx, alice(), d.ID, "t2", content, "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != "t2" || string(updated.Content) != `{"prompt":"v2"}` {
		t.Errorf("updated = %+v", updated)
	}

	// Submitted drafts are frozen even for the lock holder.
	if _, err := f.svc.Transition(ctx, alice(), d.ID, "submit"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Update(ctx, alice(), d.ID, "t3", content, ""); !core.IsKind(err, core.KindConflict) {
		t.Errorf("editing a PENDING draft should conflict, got %v", err)
	}

	if _, err := f.svc.Update(ctx, alice(), d.ID, "t3", json.RawMessage(`"not an object"`), ""); !core.IsKind(err, core.KindValidationFailed) {
		t.Errorf("non-object content should fail validation, got %v", err)
	}
}

func TestTransitionMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		from  string
		verb  string
		who   *core.Principal
		to    string
		kind  core.Kind
		fails bool
	}{
		{name: "owner submits draft", from: StatusDraft, verb: "submit", who: alice(), to: StatusPending},
		{name: "owner resubmits rejected", from: StatusRejected, verb: "submit", who: alice(), to: StatusPending},
		{name: "non-owner cannot submit", from: StatusDraft, verb: "submit", who: bob(), fails: true, kind: core.KindForbidden},
		{name: "cannot submit pending", from: StatusPending, verb: "submit", who: alice(), fails: true, kind: core.KindConflict},
		{name: "manager approves pending", from: StatusPending, verb: "approve", who: manager(), to: StatusApproved},
		{name: "manager rejects pending", from: StatusPending, verb: "reject", who: manager(), to: StatusRejected},
		{name: "developer cannot approve", from: StatusPending, verb: "approve", who: alice(), fails: true, kind: core.KindForbidden},
		{name: "cannot approve draft", from: StatusDraft, verb: "approve", who: manager(), fails: true, kind: core.KindConflict},
		{name: "cannot approve approved", from: StatusApproved, verb: "approve", who: manager(), fails: true, kind: core.KindConflict},
		{name: "unknown verb", from: StatusDraft, verb: "archive", who: alice(), fails: true, kind: core.KindValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := f.draft(t)
			if tc.from != StatusDraft {
				forceStatus(t, f.svc, d.ID, tc.from)
			}

			got, err := f.svc.Transition(ctx, tc.who, d.ID, tc.verb)
			if tc.fails {
				if !core.IsKind(err, tc.kind) {
					t.Fatalf("want %v, got %v", tc.kind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if got.Status != tc.to {
				t.Errorf("status = %s, want %s", got.Status, tc.to)
			}
		})
	}
}

func forceStatus(t *testing.T, svc *Service, draftID, status string) {
	t.Helper()
	if _, err := svc.store.Mutate(context.Background(), draftID, func(d *Draft) error {
		d.Status = status
		return nil
	}); err != nil {
		t.Fatalf("force status: %v", err)
	}
}

func TestRuntimeEnvPersistsThroughLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Create(ctx, alice(), "proj-a", "Pinned prompt",
		json.RawMessage(`{"prompt":"hi","model":"gpt-test"}`), "python-3.12/linux-amd64")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.RuntimeEnv != "python-3.12/linux-amd64" {
		t.Fatalf("runtime env = %q", d.RuntimeEnv)
	}

	// An update without a runtime keeps the recorded one.
	if _, err := f.svc.Acquire(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	got, err := f.svc.Update(ctx, alice(), d.ID, "", json.RawMessage(`{"prompt":"v2"}`), "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.RuntimeEnv != "python-3.12/linux-amd64" {
		t.Errorf("empty update cleared the runtime env: %q", got.RuntimeEnv)
	}

	// A new runtime replaces it.
	got, err = f.svc.Update(ctx, alice(), d.ID, "", json.RawMessage(`{"prompt":"v3"}`), "python-3.13/linux-amd64")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.RuntimeEnv != "python-3.13/linux-amd64" {
		t.Errorf("runtime env = %q", got.RuntimeEnv)
	}

	// The published manifest carries the fingerprint.
	forceStatus(t, f.svc, d.ID, StatusApproved)
	manifest, err := f.svc.Assemble(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(string(manifest), "runtime_env: python-3.13/linux-amd64") {
		t.Errorf("manifest missing runtime env:\n%s", manifest)
	}
}

func TestDeleteSoft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)

	if err := f.svc.Delete(ctx, bob(), d.ID); !core.IsKind(err, core.KindForbidden) {
		t.Fatalf("non-owner developer delete should be forbidden, got %v", err)
	}
	if err := f.svc.Delete(ctx, alice(), d.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.svc.Get(ctx, alice(), d.ID); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("deleted draft should be invisible, got %v", err)
	}
	list, err := f.svc.List(ctx, alice(), "proj-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("deleted draft still listed: %+v", list)
	}

	// Managers can delete drafts they do not own.
	d2 := f.draft(t)
	if err := f.svc.Delete(ctx, manager(), d2.ID); err != nil {
		t.Errorf("manager delete: %v", err)
	}
}

func TestListOrderAndScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.draft(t)
	f.advance(time.Minute)
	second := f.draft(t)

	list, err := f.svc.List(ctx, alice(), "proj-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("list should order by updated_at descending, got %+v", list)
	}

	if _, err := f.svc.List(ctx, outsider(), "proj-a"); !core.IsKind(err, core.KindForbidden) {
		t.Errorf("outsider list should be forbidden, got %v", err)
	}
}

func TestValidateFindsIssues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.svc.Create(ctx, alice(), "proj-a", "PII prompt",
		json.RawMessage(`{"prompt":"Ask John Doe, SSN 123-45-6789, to confirm.","model":"gpt-test"}`), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	issues, err := f.svc.Validate(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var sawPerson, sawSSN bool
	for _, issue := range issues {
		if strings.Contains(issue.Detail, "PERSON") {
			sawPerson = true
		}
		if strings.Contains(issue.Detail, "US_SSN") {
			sawSSN = true
		}
	}
	if !sawPerson || !sawSSN {
		t.Errorf("validation should flag PII, got %+v", issues)
	}

	// Validation never mutates.
	got, _ := f.svc.Get(ctx, alice(), d.ID)
	if string(got.Content) != string(d.Content) || got.Status != StatusDraft {
		t.Error("Validate mutated the draft")
	}

	// Missing prompt is an error-severity issue.
	d2, err := f.svc.Create(ctx, alice(), "proj-a", "No prompt", json.RawMessage(`{"notes":"x"}`), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	issues, err = f.svc.Validate(ctx, alice(), d2.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(issues) != 1 || issues[0].Field != "prompt" || issues[0].Severity != "error" {
		t.Errorf("want one prompt error, got %+v", issues)
	}
}

func TestAssembleAndPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.draft(t)

	// Only approved drafts assemble.
	if _, err := f.svc.Assemble(ctx, alice(), d.ID); !core.IsKind(err, core.KindConflict) {
		t.Fatalf("assembling a DRAFT should conflict, got %v", err)
	}

	forceStatus(t, f.svc, d.ID, StatusApproved)

	manifest, err := f.svc.Assemble(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(string(manifest), "compliance_checksum: sha256:") {
		t.Errorf("manifest missing compliance checksum:\n%s", manifest)
	}
	if !strings.Contains(string(manifest), d.ID) {
		t.Error("manifest missing draft id")
	}

	result, err := f.svc.Publish(ctx, alice(), d.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.ArtifactURI == "" || result.Signature == "" {
		t.Fatalf("result = %+v", result)
	}
	if !f.svc.VerifyArtifact(manifest, result.Signature) {
		t.Error("published signature must verify against the manifest")
	}

	got, _ := f.svc.Get(ctx, alice(), d.ID)
	if got.SignatureFingerprint == "" {
		t.Error("publish should record the signature fingerprint")
	}
}
