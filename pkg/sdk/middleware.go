package sdk

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// ProxyMiddleware intercepts OpenAI-style completion requests and routes
// them through the gateway's governed pipeline instead of letting the
// wrapped handler reach the provider directly. Requests that do not
// look like completions pass through untouched.
//
// Usage with standard net/http:
//
//	mux := http.NewServeMux()
//	mux.Handle("/v1/", sdk.ProxyMiddleware(client, "proj-a", upstream))
//
// The caller's response is the provider body verbatim; the gateway's
// record id is exposed as the X-Gateway-Record-ID header so downstream
// tooling can correlate with the audit trail.
func ProxyMiddleware(client *Client, projectID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var req struct {
			Model     string    `json:"model"`
			Messages  []Message `json:"messages"`
			Seed      *int64    `json:"seed"`
			MaxTokens int       `json:"max_tokens"`
		}
		if json.Unmarshal(body, &req) != nil || req.Model == "" || len(req.Messages) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		resp, err := client.Chat(r.Context(), ChatRequest{
			ProjectID: projectID,
			Model:     req.Model,
			Messages:  req.Messages,
			Seed:      req.Seed,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			apiErr, ok := err.(*APIError)
			if !ok {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apiErr.StatusCode)
			json.NewEncoder(w).Encode(map[string]string{"detail": apiErr.Detail})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Gateway-Record-ID", resp.RecordID)
		w.Write(resp.Body)
	})
}

// ProxyMiddlewareFunc returns Gorilla Mux compatible middleware.
func ProxyMiddlewareFunc(client *Client, projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ProxyMiddleware(client, projectID, next)
	}
}
