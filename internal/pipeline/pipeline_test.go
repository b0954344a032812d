package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocx/inference-gateway/internal/budget"
	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/inference"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/redaction"
	"github.com/ocx/inference-gateway/internal/telemetry"
	"github.com/ocx/inference-gateway/internal/vault"
)

const (
	testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testAPIKey    = "sk-proj-secret-key"
	dailyCap      = 50_000_000 // $50.00
)

type harness struct {
	pipeline *Pipeline
	ledger   *budget.Ledger
	sink     *telemetry.MemorySink
	queue    *telemetry.Queue
	upstream *httptest.Server
	calls    atomic.Int64
}

// upstreamScript controls the fake provider per test.
type upstreamScript struct {
	status    int
	content   string
	usage     map[string]any // nil leaves the usage block out entirely
	omitUsage bool
}

func newHarness(t *testing.T, script *upstreamScript) *harness {
	t.Helper()
	h := &harness{}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		if auth := r.Header.Get("Authorization"); auth != "Bearer "+testAPIKey {
			t.Errorf("upstream saw Authorization %q", auth)
		}
		if script.status != http.StatusOK {
			w.WriteHeader(script.status)
			return
		}
		body := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": script.content}},
			},
		}
		if !script.omitUsage {
			usage := script.usage
			if usage == nil {
				usage = map[string]any{"prompt_tokens": 100, "completion_tokens": 50}
			}
			body["usage"] = usage
		}
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(h.upstream.Close)

	h.ledger = budget.NewLedger(budget.NewMemoryCounter(48*time.Hour), budget.Config{
		DailyCapMicros:      dailyCap,
		Grace:               time.Minute,
		OverrunSlackPercent: 10,
	})
	t.Cleanup(h.ledger.Stop)

	crypto, err := vault.NewCrypto(testMasterKey)
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	secrets := vault.NewReader(vault.NewMemoryStore(), crypto)
	if _, err := secrets.Store(context.Background(), "proj-a", "openai", []byte(testAPIKey), "admin"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	h.sink = telemetry.NewMemorySink()
	h.queue = telemetry.NewQueue(h.sink, telemetry.QueueConfig{Capacity: 16, Workers: 1})

	catalog := testCatalog(t)
	proxy := inference.NewProxy(inference.NewHTTPUpstream(h.upstream.URL),
		inference.NewRegistry(inference.DefaultBreakerConfig))

	h.pipeline = New(catalog, h.ledger, secrets, proxy,
		redaction.NewEngine(redaction.NewAnalyzer()), h.queue)
	return h
}

func testCatalog(t *testing.T) *modelcatalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/models.yaml"
	yaml := `
models:
  - id: gpt-test
    provider: openai
    family: standard
    prompt_micros_per_1k: 1000
    completion_micros_per_1k: 2000
    deadline_seconds: 10
    max_output_tokens: 1000
`
	if err := writeFile(path, yaml); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := modelcatalog.Load(path)
	if err != nil {
		t.Fatalf("Load catalog: %v", err)
	}
	return c
}

func (h *harness) drain(t *testing.T) []*telemetry.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.queue.Close(ctx); err != nil {
		t.Fatalf("drain telemetry: %v", err)
	}
	return h.sink.Records()
}

func developer() *core.Principal {
	return &core.Principal{
		UserID:   "user-1",
		Email:    "dev@corp.example",
		Projects: []string{"proj-a"},
		Roles:    []core.Role{core.RoleDeveloper},
	}
}

func chatRequest() *ChatRequest {
	return &ChatRequest{
		ProjectID: "proj-a",
		Model:     "gpt-test",
		Messages:  []core.Message{{Role: "user", Content: "Summarize the quarterly report."}},
	}
}

func TestChatHappyPath(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "Done."})
	ctx := context.Background()

	resp, err := h.pipeline.Chat(ctx, developer(), chatRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.RecordID == "" {
		t.Error("response must carry a record id")
	}
	// 100 prompt tokens at 1000µ/1k + 50 completion at 2000µ/1k.
	if resp.CostMicros != 200 {
		t.Errorf("cost = %dµ, want 200µ", resp.CostMicros)
	}
	if !strings.Contains(string(resp.Body), "Done.") {
		t.Error("caller should receive the upstream body verbatim")
	}

	// The ledger holds the actual cost, not the estimate.
	spent, err := h.ledger.SpentToday(ctx, "user-1")
	if err != nil {
		t.Fatalf("SpentToday: %v", err)
	}
	if spent != 200 {
		t.Errorf("spent = %dµ, want 200µ after commit", spent)
	}

	recs := h.drain(t)
	if len(recs) != 1 {
		t.Fatalf("want 1 audit record, got %d", len(recs))
	}
	if recs[0].Outcome != telemetry.OutcomeSuccess {
		t.Errorf("outcome = %q", recs[0].Outcome)
	}
	if recs[0].CostMicros != 200 {
		t.Errorf("audit cost = %dµ", recs[0].CostMicros)
	}
}

func TestChatProviderOmitsUsageChargesEstimate(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "Done.", omitUsage: true})
	ctx := context.Background()

	resp, err := h.pipeline.Chat(ctx, developer(), chatRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// 31 prompt chars → 8 estimated prompt tokens (8µ) plus the full
	// 1000-token output allowance (2000µ). With no provider usage the
	// estimate is the charge; the call is never free.
	const estimate = 2008
	if resp.CostMicros != estimate {
		t.Errorf("cost = %dµ, want the %dµ estimate", resp.CostMicros, estimate)
	}

	spent, err := h.ledger.SpentToday(ctx, "user-1")
	if err != nil {
		t.Fatalf("SpentToday: %v", err)
	}
	if spent != estimate {
		t.Errorf("spend = %dµ, want %dµ committed from the estimate", spent, estimate)
	}

	recs := h.drain(t)
	if len(recs) != 1 || recs[0].CostMicros != estimate {
		t.Errorf("audit record should carry the estimated charge, got %+v", recs)
	}
}

func TestChatOverrunBeyondSlackMarksRecord(t *testing.T) {
	// Tiny prompt, huge reported usage: the commit clamps at reservation
	// plus slack and the audit record carries the marker.
	h := newHarness(t, &upstreamScript{
		status:  http.StatusOK,
		content: "Done.",
		usage:   map[string]any{"prompt_tokens": 100_000, "completion_tokens": 100_000},
	})

	resp, err := h.pipeline.Chat(context.Background(), developer(), chatRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// 100k+100k tokens price at 300000µ, far past the ~2208µ slack ceiling.
	if resp.CostMicros != 300_000 {
		t.Errorf("response cost = %dµ, want the provider-priced 300000µ", resp.CostMicros)
	}

	recs := h.drain(t)
	if len(recs) != 1 {
		t.Fatalf("want 1 audit record, got %d", len(recs))
	}
	var marked bool
	for _, m := range recs[0].Markers {
		if m == budget.MarkerOverrunClamped {
			marked = true
		}
	}
	if !marked {
		t.Errorf("markers = %v, want %s", recs[0].Markers, budget.MarkerOverrunClamped)
	}
}

func TestChatScrubsAuditButNotResponse(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK,
		content: "Contact John Doe at 555-0199."})

	req := chatRequest()
	req.Messages = []core.Message{{Role: "user", Content: "Email john.doe@acme.com about the invoice."}}

	resp, err := h.pipeline.Chat(context.Background(), developer(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(string(resp.Body), "John Doe") {
		t.Error("the originating caller must receive unscrubbed content")
	}

	recs := h.drain(t)
	if len(recs) != 1 {
		t.Fatalf("want 1 audit record, got %d", len(recs))
	}
	request := string(recs[0].RequestScrubbed)
	response := string(recs[0].ResponseScrubbed)
	if strings.Contains(request, "john.doe@acme.com") {
		t.Errorf("audit request leaked the email: %s", request)
	}
	if !strings.Contains(request, "<REDACTED EMAIL_ADDRESS>") {
		t.Errorf("audit request missing redaction token: %s", request)
	}
	if strings.Contains(response, "John Doe") || strings.Contains(response, "555-0199") {
		t.Errorf("audit response leaked PII: %s", response)
	}
	if recs[0].RedactedEntities["EMAIL_ADDRESS"] != 1 {
		t.Errorf("redaction counts = %v, want one EMAIL_ADDRESS", recs[0].RedactedEntities)
	}
	if recs[0].RedactedEntities["PERSON"] == 0 {
		t.Errorf("redaction counts missing PERSON: %v", recs[0].RedactedEntities)
	}
}

func TestChatForbiddenProject(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "x"})

	req := chatRequest()
	req.ProjectID = "proj-other"
	_, err := h.pipeline.Chat(context.Background(), developer(), req)
	if !core.IsKind(err, core.KindForbidden) {
		t.Fatalf("want Forbidden, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Error("authorization must fail before the upstream is touched")
	}
}

func TestChatBudgetExceededLeavesNoSpend(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "x"})
	ctx := context.Background()

	req := chatRequest()
	req.EstimatedCostMicros = dailyCap + 1

	_, err := h.pipeline.Chat(ctx, developer(), req)
	if !core.IsKind(err, core.KindBudgetExceeded) {
		t.Fatalf("want BudgetExceeded, got %v", err)
	}
	if h.calls.Load() != 0 {
		t.Error("a denied reservation must not reach the upstream")
	}

	spent, err := h.ledger.SpentToday(ctx, "user-1")
	if err != nil {
		t.Fatalf("SpentToday: %v", err)
	}
	if spent != 0 {
		t.Errorf("denied request left %dµ of spend", spent)
	}

	// A refused reservation bought nothing: no audit record either.
	if recs := h.drain(t); len(recs) != 0 {
		t.Errorf("budget refusal must not reach the audit trail, got %+v", recs)
	}
}

func TestChatMissingSecretRefunds(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "x"})
	ctx := context.Background()

	principal := developer()
	principal.Projects = []string{"proj-unseeded"}
	req := chatRequest()
	req.ProjectID = "proj-unseeded"

	_, err := h.pipeline.Chat(ctx, principal, req)
	if !core.IsKind(err, core.KindNotFound) {
		t.Fatalf("want NotFound for missing secret, got %v", err)
	}

	spent, err := h.ledger.SpentToday(ctx, principal.UserID)
	if err != nil {
		t.Fatalf("SpentToday: %v", err)
	}
	if spent != 0 {
		t.Errorf("secret failure must refund, %dµ still held", spent)
	}

	recs := h.drain(t)
	if len(recs) != 1 || recs[0].Outcome != telemetry.OutcomeSecretMissing {
		t.Errorf("want one secret_missing audit record, got %+v", recs)
	}
}

func TestChatUpstreamFailureRefunds(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusBadGateway})
	ctx := context.Background()

	_, err := h.pipeline.Chat(ctx, developer(), chatRequest())
	if !core.IsKind(err, core.KindUnavailable) {
		t.Fatalf("want Unavailable for provider 5xx, got %v", err)
	}

	spent, err := h.ledger.SpentToday(ctx, "user-1")
	if err != nil {
		t.Fatalf("SpentToday: %v", err)
	}
	if spent != 0 {
		t.Errorf("inference failure must refund, %dµ still held", spent)
	}

	recs := h.drain(t)
	if len(recs) != 1 || recs[0].Outcome != telemetry.OutcomeUnavailable {
		t.Errorf("want one unavailable audit record, got %+v", recs)
	}
}

func TestChatValidation(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "x"})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ChatRequest)
	}{
		{"no project", func(r *ChatRequest) { r.ProjectID = "" }},
		{"no model", func(r *ChatRequest) { r.Model = "" }},
		{"no messages", func(r *ChatRequest) { r.Messages = nil }},
		{"empty content", func(r *ChatRequest) { r.Messages = []core.Message{{Role: "user"}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := chatRequest()
			tc.mutate(req)
			if _, err := h.pipeline.Chat(ctx, developer(), req); !core.IsKind(err, core.KindValidationFailed) {
				t.Errorf("want ValidationFailed, got %v", err)
			}
		})
	}

	req := chatRequest()
	req.Model = "no-such-model"
	if _, err := h.pipeline.Chat(ctx, developer(), req); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("unknown model should be NotFound, got %v", err)
	}
}

func TestEstimateConservative(t *testing.T) {
	h := newHarness(t, &upstreamScript{status: http.StatusOK, content: "x"})
	model := &modelcatalog.ModelSpec{
		PromptMicrosPer1K:     1000,
		CompletionMicrosPer1K: 2000,
		MaxOutputTokens:       1000,
	}

	req := &ChatRequest{Messages: []core.Message{{Role: "user", Content: strings.Repeat("a", 400)}}}
	// 400 chars → 101 prompt tokens (101µ) + 1000 output tokens (2000µ).
	if got := h.pipeline.estimate(model, req); got != 2101 {
		t.Errorf("estimate = %dµ, want 2101µ", got)
	}

	// Caller's max_tokens lowers the output allowance.
	req.MaxTokens = 100
	if got := h.pipeline.estimate(model, req); got != 301 {
		t.Errorf("estimate with max_tokens = %dµ, want 301µ", got)
	}

	// The hint can only raise.
	req.EstimatedCostMicros = 10
	if got := h.pipeline.estimate(model, req); got != 301 {
		t.Errorf("low hint must not lower the estimate, got %dµ", got)
	}
	req.EstimatedCostMicros = 5000
	if got := h.pipeline.estimate(model, req); got != 5000 {
		t.Errorf("high hint should raise the estimate, got %dµ", got)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
