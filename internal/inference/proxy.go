// Package inference invokes upstream model providers behind per-model
// circuit breakers, with deterministic parameters forced on every call.
package inference

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
)

// DefaultSeed is injected when the caller does not pin one. Together with
// temperature 0.0 it makes reruns reproducible for audit replay.
const DefaultSeed = 42

// Result is a successful inference outcome. When UsageMissing is set the
// provider reported no token usage and CostMicros is zero; the caller must
// bill its reservation estimate instead.
type Result struct {
	Body         []byte // raw upstream JSON, returned verbatim to the caller
	Content      string // assistant message content, for redaction
	CostMicros   int64
	LatencyMS    int64
	Usage        Usage
	UsageMissing bool
}

// Proxy is the breaker-guarded inference adapter.
type Proxy struct {
	upstream Upstream
	breakers *Registry
}

func NewProxy(upstream Upstream, breakers *Registry) *Proxy {
	return &Proxy{upstream: upstream, breakers: breakers}
}

// Invoke calls the model with deterministic parameters. Cost comes from
// provider-reported usage priced by the catalog entry; when the provider
// omits usage, UsageMissing is set and the charge falls to the caller's
// reservation estimate.
//
// Failure mapping: breaker open or transient upstream trouble is
// Unavailable (retriable after cooldown); provider 4xx is Upstream and
// does not trip the breaker.
func (p *Proxy) Invoke(ctx context.Context, model *modelcatalog.ModelSpec, messages []map[string]any, seed *int64, maxTokens int, apiKey []byte) (*Result, error) {
	breaker := p.breakers.Get(model.ID)
	if err := breaker.Allow(); err != nil {
		metrics.shortCircuited.WithLabelValues(model.ID).Inc()
		return nil, core.Wrap(core.KindUnavailable,
			"Upstream model service is currently unstable. Please try again later.", err)
	}

	req := &CompletionRequest{
		Model:       model.ID,
		Messages:    messages,
		Temperature: 0.0,
		Seed:        DefaultSeed,
		MaxTokens:   maxTokens,
	}
	if seed != nil {
		req.Seed = *seed
	}

	callCtx, cancel := context.WithTimeout(ctx, model.Deadline())
	defer cancel()

	start := time.Now()
	resp, err := p.upstream.Complete(callCtx, req, apiKey)
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller hung up; no verdict on upstream health.
			breaker.Drop()
			return nil, core.Wrap(core.KindUnavailable,
				"Request canceled before the upstream responded.", err)
		}
		failure := countsAsBreakerFailure(err)
		breaker.Record(!failure)
		if failure {
			metrics.upstreamCalls.WithLabelValues(model.ID, "failure").Inc()
			return nil, core.Wrap(core.KindUnavailable,
				"Upstream model service is currently unstable. Please try again later.", err)
		}
		metrics.upstreamCalls.WithLabelValues(model.ID, "upstream_4xx").Inc()
		return nil, core.Wrap(core.KindUpstream,
			"Upstream provider rejected the request.", err)
	}

	breaker.Record(true)
	metrics.upstreamCalls.WithLabelValues(model.ID, "ok").Inc()

	res := &Result{
		Body:         resp.Body,
		Content:      resp.Content,
		LatencyMS:    latency.Milliseconds(),
		Usage:        resp.Usage,
		UsageMissing: resp.UsageMissing,
	}
	if !resp.UsageMissing {
		res.CostMicros = model.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return res, nil
}

// BreakerStates exposes the registry for the health surface.
func (p *Proxy) BreakerStates() map[string]State {
	return p.breakers.States()
}
