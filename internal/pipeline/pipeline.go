// Package pipeline composes the governance chain for one inference call:
// authorize, reserve budget, fetch the project secret, invoke the model,
// scrub for audit, reconcile spend, and emit telemetry. Order is the
// contract; every enforcement step runs before any tokens are bought.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log"

	"github.com/ocx/inference-gateway/internal/budget"
	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/inference"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/redaction"
	"github.com/ocx/inference-gateway/internal/telemetry"
	"github.com/ocx/inference-gateway/internal/vault"
)

// charsPerToken is the conservative estimate divisor: real tokenizers
// average above four characters per token for English prose, so dividing
// by four overestimates and the reservation stays a ceiling.
const charsPerToken = 4

// ChatRequest is the validated inference request.
type ChatRequest struct {
	ProjectID string         `json:"project_id"`
	Model     string         `json:"model"`
	Messages  []core.Message `json:"messages"`
	Seed      *int64         `json:"seed,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`

	// EstimatedCostMicros is a client hint. It can raise the reservation,
	// never lower it.
	EstimatedCostMicros int64 `json:"estimated_cost_micros,omitempty"`
}

// ChatResponse returns the upstream body verbatim plus the gateway's
// accounting. Only the originating caller ever sees unscrubbed content.
type ChatResponse struct {
	RecordID         string          `json:"record_id"`
	Model            string          `json:"model"`
	Body             json.RawMessage `json:"body"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostMicros       int64           `json:"cost_micros"`
	LatencyMS        int64           `json:"latency_ms"`
}

// Pipeline owns the end-to-end inference contract.
type Pipeline struct {
	catalog *modelcatalog.Catalog
	ledger  *budget.Ledger
	secrets *vault.Reader
	proxy   *inference.Proxy
	scrub   *redaction.Engine
	audit   *telemetry.Queue
	logger  *log.Logger
}

func New(catalog *modelcatalog.Catalog, ledger *budget.Ledger, secrets *vault.Reader,
	proxy *inference.Proxy, scrub *redaction.Engine, audit *telemetry.Queue) *Pipeline {
	return &Pipeline{
		catalog: catalog,
		ledger:  ledger,
		secrets: secrets,
		proxy:   proxy,
		scrub:   scrub,
		audit:   audit,
		logger:  log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Chat runs the full governance chain. Steps up to inference honor ctx;
// reconciliation and telemetry run detached so a client disconnect after
// reserve cannot strand the reservation.
func (p *Pipeline) Chat(ctx context.Context, principal *core.Principal, req *ChatRequest) (*ChatResponse, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if !principal.HasProject(req.ProjectID) {
		return nil, core.Errf(core.KindForbidden, "Not authorized for project %s.", req.ProjectID)
	}

	model, err := p.catalog.Get(req.Model)
	if err != nil {
		return nil, err
	}

	rec := telemetry.NewRecord(principal.UserID, principal.Email, req.ProjectID, model.ID)
	redacted := make(map[string]int)
	rec.RequestScrubbed = p.scrubMessages(req.Messages, redacted)

	// A refused reservation bought nothing and is not an audit event;
	// the request ends here without telemetry.
	res, err := p.ledger.Reserve(ctx, principal.UserID, p.estimate(model, req))
	if err != nil {
		return nil, err
	}

	secret, err := p.secrets.Lookup(ctx, req.ProjectID, model.Provider)
	if err != nil {
		p.refund(res)
		p.finish(rec, telemetry.OutcomeSecretMissing)
		return nil, err
	}
	defer secret.Close()

	result, err := p.proxy.Invoke(ctx, model, wireMessages(req.Messages), req.Seed, req.MaxTokens, secret.Bytes())
	if err != nil {
		p.refund(res)
		if core.IsKind(err, core.KindUpstream) {
			p.finish(rec, telemetry.OutcomeUpstreamError)
		} else {
			p.finish(rec, telemetry.OutcomeUnavailable)
		}
		return nil, err
	}

	// A provider that reports no usage still served tokens; the
	// reservation estimate becomes the charge so the call is never free.
	cost := result.CostMicros
	if result.UsageMissing {
		cost = res.AmountMicros
		p.logger.Printf("⚠️  Upstream omitted usage for record %s, charging the %dµ estimate", rec.RecordID, cost)
	}

	// Scrub before anything is persisted; rec never sees clear text.
	rec.ResponseScrubbed = p.scrubContent(result.Content, redacted)
	if len(redacted) > 0 {
		rec.RedactedEntities = redacted
	}
	rec.PromptTokens = result.Usage.PromptTokens
	rec.CompletionTokens = result.Usage.CompletionTokens
	rec.CostMicros = cost
	rec.LatencyMS = result.LatencyMS

	// Reconcile detached from the request context: the spend happened
	// whether or not the caller is still listening.
	commitCtx := context.WithoutCancel(ctx)
	settlement, err := p.ledger.Commit(commitCtx, res.ID, cost)
	if err != nil {
		p.logger.Printf("⚠️  Commit failed for reservation %s, auto-refund will reconcile: %v", res.ID, err)
	} else if settlement.Marker != "" {
		rec.Markers = append(rec.Markers, settlement.Marker)
	}
	p.finish(rec, telemetry.OutcomeSuccess)

	return &ChatResponse{
		RecordID:         rec.RecordID,
		Model:            model.ID,
		Body:             json.RawMessage(result.Body),
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		CostMicros:       cost,
		LatencyMS:        result.LatencyMS,
	}, nil
}

func (p *Pipeline) validate(req *ChatRequest) error {
	switch {
	case req.ProjectID == "":
		return core.NewError(core.KindValidationFailed, "project_id is required.")
	case req.Model == "":
		return core.NewError(core.KindValidationFailed, "model is required.")
	case len(req.Messages) == 0:
		return core.NewError(core.KindValidationFailed, "messages must not be empty.")
	}
	for _, m := range req.Messages {
		if m.Role == "" || m.Content == "" {
			return core.NewError(core.KindValidationFailed, "every message needs a role and content.")
		}
	}
	return nil
}

// estimate prices the worst case: prompt characters over the conservative
// divisor plus the full output allowance. The client hint only raises it.
func (p *Pipeline) estimate(model *modelcatalog.ModelSpec, req *ChatRequest) int64 {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content))
	}
	promptTokens := chars/charsPerToken + 1

	completionTokens := int64(model.MaxOutputTokens)
	if req.MaxTokens > 0 && int64(req.MaxTokens) < completionTokens {
		completionTokens = int64(req.MaxTokens)
	}

	est := model.Cost(promptTokens, completionTokens)
	if req.EstimatedCostMicros > est {
		est = req.EstimatedCostMicros
	}
	return est
}

// refund returns a failed call's reservation, detached from the request
// context for the same reason commits are.
func (p *Pipeline) refund(res *budget.Reservation) {
	if err := p.ledger.Refund(context.Background(), res.ID); err != nil {
		p.logger.Printf("⚠️  Refund failed for reservation %s, auto-refund will reconcile: %v", res.ID, err)
	}
}

func (p *Pipeline) finish(rec *telemetry.Record, outcome string) {
	rec.Outcome = outcome
	p.audit.Enqueue(rec)
}

func (p *Pipeline) scrubMessages(messages []core.Message, redacted map[string]int) json.RawMessage {
	scrubbed := make([]core.Message, len(messages))
	for i, m := range messages {
		for _, span := range p.scrub.Findings(m.Content) {
			redacted[span.Entity]++
		}
		scrubbed[i] = core.Message{Role: m.Role, Content: p.scrub.ScrubString(m.Content)}
	}
	return marshalAudit(scrubbed)
}

func (p *Pipeline) scrubContent(content string, redacted map[string]int) json.RawMessage {
	for _, span := range p.scrub.Findings(content) {
		redacted[span.Entity]++
	}
	return marshalAudit(map[string]string{"content": p.scrub.ScrubString(content)})
}

// marshalAudit encodes without HTML escaping so redaction placeholders
// like <REDACTED EMAIL_ADDRESS> stay grep-able in the audit trail.
func marshalAudit(v any) json.RawMessage {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n"))
}

func wireMessages(messages []core.Message) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, m := range messages {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}
