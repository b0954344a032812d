package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
)

func testModel() *modelcatalog.ModelSpec {
	return &modelcatalog.ModelSpec{
		ID:                    "gpt-test",
		Provider:              "openai",
		Family:                modelcatalog.FamilyStandard,
		PromptMicrosPer1K:     1000,
		CompletionMicrosPer1K: 2000,
		DeadlineSeconds:       5,
		MaxOutputTokens:       1024,
	}
}

// scriptedUpstream returns canned status codes in order, then repeats the
// last one. It captures the last wire request for parameter assertions.
type scriptedUpstream struct {
	statuses []int
	calls    atomic.Int64
	lastReq  CompletionRequest
	server   *httptest.Server
}

func newScriptedUpstream(t *testing.T, statuses ...int) *scriptedUpstream {
	t.Helper()
	s := &scriptedUpstream{statuses: statuses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		json.NewDecoder(r.Body).Decode(&s.lastReq)

		idx := int(n) - 1
		if idx >= len(s.statuses) {
			idx = len(s.statuses) - 1
		}
		status := s.statuses[idx]
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Ok."}},
			},
			"usage": map[string]any{"prompt_tokens": 1000, "completion_tokens": 500},
		})
	}))
	t.Cleanup(s.server.Close)
	return s
}

func newTestProxy(u *scriptedUpstream, clock *fakeClock) *Proxy {
	return NewProxy(NewHTTPUpstream(u.server.URL), NewRegistry(func(name string) BreakerConfig {
		cfg := DefaultBreakerConfig(name)
		cfg.OnStateChange = nil
		if clock != nil {
			cfg.Now = clock.Now
		}
		return cfg
	}))
}

func TestInvokeForcesDeterministicParameters(t *testing.T) {
	u := newScriptedUpstream(t, http.StatusOK)
	p := newTestProxy(u, nil)

	messages := []map[string]any{{"role": "user", "content": "hello"}}
	res, err := p.Invoke(context.Background(), testModel(), messages, nil, 0, []byte("sk-test"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if u.lastReq.Temperature != 0.0 {
		t.Errorf("temperature = %v, must be forced to 0.0", u.lastReq.Temperature)
	}
	if u.lastReq.Seed != DefaultSeed {
		t.Errorf("seed = %d, want default %d", u.lastReq.Seed, DefaultSeed)
	}
	if res.Content != "Ok." {
		t.Errorf("content = %q", res.Content)
	}
	// 1000 prompt tokens at 1000µ/1k + 500 completion at 2000µ/1k.
	if res.CostMicros != 2000 {
		t.Errorf("cost = %dµ, want 2000µ", res.CostMicros)
	}
}

func TestInvokeHonorsCallerSeed(t *testing.T) {
	u := newScriptedUpstream(t, http.StatusOK)
	p := newTestProxy(u, nil)

	seed := int64(1337)
	_, err := p.Invoke(context.Background(), testModel(), nil, &seed, 0, []byte("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if u.lastReq.Seed != 1337 {
		t.Errorf("seed = %d, want caller's 1337", u.lastReq.Seed)
	}
}

func TestInvokeFlagsOmittedUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No usage block at all.
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Ok."}},
			},
		})
	}))
	defer srv.Close()
	p := NewProxy(NewHTTPUpstream(srv.URL), NewRegistry(nil))

	res, err := p.Invoke(context.Background(), testModel(), nil, nil, 0, []byte("k"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.UsageMissing {
		t.Error("omitted usage block must set UsageMissing")
	}
	if res.CostMicros != 0 {
		t.Errorf("cost without usage = %dµ, the caller bills its estimate", res.CostMicros)
	}
}

func TestCallerCancellationLeavesBreakerClosed(t *testing.T) {
	u := newScriptedUpstream(t, http.StatusOK)
	p := newTestProxy(u, nil)
	model := testModel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 10; i++ {
		_, err := p.Invoke(canceled, model, nil, nil, 0, []byte("k"))
		if !core.IsKind(err, core.KindUnavailable) {
			t.Fatalf("canceled call should map to Unavailable, got %v", err)
		}
	}

	if p.breakers.Get(model.ID).State() != StateClosed {
		t.Error("caller cancellations must not trip the breaker")
	}
	if _, err := p.Invoke(context.Background(), model, nil, nil, 0, []byte("k")); err != nil {
		t.Errorf("live traffic should still flow: %v", err)
	}
}

func TestInvoke5xxIsUnavailableAndCountsTowardTrip(t *testing.T) {
	u := newScriptedUpstream(t, http.StatusBadGateway)
	clock := newFakeClock()
	p := newTestProxy(u, clock)
	model := testModel()

	for i := 0; i < 5; i++ {
		_, err := p.Invoke(context.Background(), model, nil, nil, 0, []byte("k"))
		if !core.IsKind(err, core.KindUnavailable) {
			t.Fatalf("5xx should map to Unavailable, got %v", err)
		}
	}

	// Breaker is now open: the next call never reaches the upstream.
	before := u.calls.Load()
	_, err := p.Invoke(context.Background(), model, nil, nil, 0, []byte("k"))
	if !core.IsKind(err, core.KindUnavailable) {
		t.Fatalf("open breaker should map to Unavailable, got %v", err)
	}
	if u.calls.Load() != before {
		t.Error("open breaker must not touch the upstream")
	}
}

func TestInvoke4xxIsUpstreamAndDoesNotTrip(t *testing.T) {
	u := newScriptedUpstream(t, http.StatusUnprocessableEntity)
	p := newTestProxy(u, nil)
	model := testModel()

	for i := 0; i < 10; i++ {
		_, err := p.Invoke(context.Background(), model, nil, nil, 0, []byte("k"))
		if !core.IsKind(err, core.KindUpstream) {
			t.Fatalf("4xx should map to Upstream, got %v", err)
		}
	}

	if p.breakers.Get(model.ID).State() != StateClosed {
		t.Error("client-side 4xx must never trip the breaker")
	}
}

func TestBreakerRecoveryThroughProbe(t *testing.T) {
	// Five 5xx trip the breaker; after the cooldown one probe succeeds and
	// traffic flows again.
	u := newScriptedUpstream(t,
		http.StatusInternalServerError, http.StatusInternalServerError,
		http.StatusInternalServerError, http.StatusInternalServerError,
		http.StatusInternalServerError, http.StatusOK)
	clock := newFakeClock()
	p := newTestProxy(u, clock)
	model := testModel()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.Invoke(ctx, model, nil, nil, 0, []byte("k"))
	}
	if p.breakers.Get(model.ID).State() != StateOpen {
		t.Fatal("breaker should be open after five 5xx")
	}

	clock.Advance(61 * time.Second)

	if _, err := p.Invoke(ctx, model, nil, nil, 0, []byte("k")); err != nil {
		t.Fatalf("probe call should succeed: %v", err)
	}
	if p.breakers.Get(model.ID).State() != StateClosed {
		t.Error("successful probe should close the breaker")
	}
	if _, err := p.Invoke(ctx, model, nil, nil, 0, []byte("k")); err != nil {
		t.Errorf("traffic should flow after recovery: %v", err)
	}
}
