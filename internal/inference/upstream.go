// Upstream adapter speaking the OpenAI-compatible chat completions wire
// format. The adapter itself is policy-free; deterministic parameters and
// breaker discipline live in the Proxy.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CompletionRequest is the wire request to the provider.
type CompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []map[string]any `json:"messages"`
	Temperature float64          `json:"temperature"`
	Seed        int64            `json:"seed"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// CompletionResponse is the parsed provider reply. Body keeps the raw
// upstream JSON so the caller can return it verbatim. UsageMissing is set
// when the provider omitted the usage block entirely; billing must then
// fall back to the estimate instead of charging zero.
type CompletionResponse struct {
	Body         []byte
	Content      string
	Usage        Usage
	UsageMissing bool
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Upstream invokes a model provider. The secret is the decrypted API key;
// implementations must not retain it past the call.
type Upstream interface {
	Complete(ctx context.Context, req *CompletionRequest, apiKey []byte) (*CompletionResponse, error)
}

// upstreamStatusError marks provider HTTP failures for breaker
// classification.
type upstreamStatusError struct {
	status int
	detail string
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.status, e.detail)
}

// countsAsBreakerFailure classifies an error for the breaker: timeouts,
// connection errors and 5xx count; provider 4xx means the request itself
// was bad and must not trip the circuit. A caller that walked away says
// nothing about upstream health either.
func countsAsBreakerFailure(err error) bool {
	var se *upstreamStatusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// HTTPUpstream talks to an OpenAI-compatible endpoint.
type HTTPUpstream struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUpstream builds the adapter. Per-call deadlines come from the
// request context, so the client itself carries no timeout.
func NewHTTPUpstream(baseURL string) *HTTPUpstream {
	return &HTTPUpstream{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Pointer so an omitted block is distinguishable from zero usage.
	Usage *Usage `json:"usage"`
}

func (u *HTTPUpstream) Complete(ctx context.Context, req *CompletionRequest, apiKey []byte) (*CompletionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+string(apiKey))

	start := time.Now()
	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call: %w", err)
	}
	defer resp.Body.Close()
	metrics.upstreamLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The raw body may quote the prompt; keep only the status on the
		// error surface.
		return nil, &upstreamStatusError{status: resp.StatusCode, detail: http.StatusText(resp.StatusCode)}
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}

	content := ""
	if len(wire.Choices) > 0 {
		content = wire.Choices[0].Message.Content
	}

	out := &CompletionResponse{Body: body, Content: content}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	} else {
		out.UsageMissing = true
	}
	return out, nil
}
