// Package sdk is the Go client for the governance enforcement gateway.
//
// It speaks the gateway's REST surface: device-flow login, governed chat
// completions, and the prompt workbench. Tokens obtained through Login
// are cached on disk and attached to every request.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "https://gateway.yourcompany.com",
//	    OnUserPrompt: func(code, uri string) {
//	        fmt.Printf("Visit %s and enter code %s\n", uri, code)
//	    },
//	})
//	if err := client.Login(ctx); err != nil { ... }
//	resp, err := client.Chat(ctx, sdk.ChatRequest{
//	    ProjectID: "proj-a",
//	    Model:     "gpt-4o",
//	    Messages:  []sdk.Message{{Role: "user", Content: "hello"}},
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// GatewayURL is the gateway endpoint (required).
	// Examples: "https://gateway.yourcompany.com", "http://localhost:8000"
	GatewayURL string

	// Token is a pre-obtained bearer token. When empty the SDK reads the
	// cache file, and Login can mint a fresh one.
	Token string

	// TokenCachePath overrides where Login persists tokens.
	// Default: $HOME/.gateway/token
	TokenCachePath string

	// Timeout for gateway calls (default 5m; completions can run long).
	Timeout time.Duration

	// OnUserPrompt is called during Login with the user code and
	// verification URI the human must visit. Required for Login.
	OnUserPrompt func(userCode, verificationURI string)

	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client talks to one gateway.
type Client struct {
	baseURL   string
	token     string
	cachePath string
	onPrompt  func(userCode, verificationURI string)
	http      *http.Client
}

// NewClient builds a client. Missing tokens are loaded lazily from the
// cache file; call Login when neither exists.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	cachePath := cfg.TokenCachePath
	if cachePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cachePath = filepath.Join(home, ".gateway", "token")
		}
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.GatewayURL, "/"),
		token:     cfg.Token,
		cachePath: cachePath,
		onPrompt:  cfg.OnUserPrompt,
		http:      httpClient,
	}
	if c.token == "" && cachePath != "" {
		if raw, err := os.ReadFile(cachePath); err == nil {
			c.token = strings.TrimSpace(string(raw))
		}
	}
	return c
}

// Token returns the bearer token currently in use, empty if none.
func (c *Client) Token() string { return c.token }

// Login runs the device authorization flow to completion: starts a
// grant, hands the user code to OnUserPrompt, then polls the token
// endpoint until approval, denial, or expiry. The token is cached to
// disk with owner-only permissions.
func (c *Client) Login(ctx context.Context) error {
	var auth DeviceAuthorization
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/device-code", nil, &auth); err != nil {
		return fmt.Errorf("start device flow: %w", err)
	}

	if c.onPrompt != nil {
		c.onPrompt(auth.UserCode, auth.VerificationURI)
	}

	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("device flow: grant expired before approval")
		}

		var tok struct {
			AccessToken string `json:"access_token"`
		}
		err := c.do(ctx, http.MethodPost, "/api/v1/auth/token",
			map[string]string{"device_code": auth.DeviceCode}, &tok)
		if err == nil {
			c.token = tok.AccessToken
			return c.saveToken(tok.AccessToken)
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			return fmt.Errorf("poll token: %w", err)
		}
		switch apiErr.Detail {
		case "authorization_pending":
			// Keep waiting.
		case "slow_down":
			interval += 5 * time.Second
		default:
			return fmt.Errorf("device flow: %s", apiErr.Detail)
		}
	}
}

func (c *Client) saveToken(token string) error {
	if c.cachePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o700); err != nil {
		return fmt.Errorf("token cache dir: %w", err)
	}
	if err := os.WriteFile(c.cachePath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("token cache: %w", err)
	}
	return nil
}

// Chat sends a governed completion request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDrafts returns the visible drafts in a project, newest first.
func (c *Client) ListDrafts(ctx context.Context, aucID string) ([]Draft, error) {
	var drafts []Draft
	path := "/api/v1/workbench/drafts?auc_id=" + aucID
	if err := c.do(ctx, http.MethodGet, path, nil, &drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

// CreateDraft creates a draft in DRAFT status owned by the caller.
func (c *Client) CreateDraft(ctx context.Context, aucID, title string, content json.RawMessage) (*Draft, error) {
	body := map[string]any{"auc_id": aucID, "title": title, "content": content}
	var d Draft
	if err := c.do(ctx, http.MethodPost, "/api/v1/workbench/drafts", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDraft opens a draft. Opening acquires the edit lock when it is
// free; the returned Mode says whether the caller may edit.
func (c *Client) GetDraft(ctx context.Context, id string) (*Draft, error) {
	var d Draft
	if err := c.do(ctx, http.MethodGet, "/api/v1/workbench/drafts/"+id, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDraft replaces a draft's title and content. Requires a live
// edit lock held by the caller.
func (c *Client) UpdateDraft(ctx context.Context, id, title string, content json.RawMessage) (*Draft, error) {
	body := map[string]any{"title": title, "content": content}
	var d Draft
	if err := c.do(ctx, http.MethodPut, "/api/v1/workbench/drafts/"+id, body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDraft soft-deletes a draft.
func (c *Client) DeleteDraft(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/workbench/drafts/"+id, nil, nil)
}

// Heartbeat extends the caller's edit lock.
func (c *Client) Heartbeat(ctx context.Context, id string) (*LockGrant, error) {
	var g LockGrant
	if err := c.do(ctx, http.MethodPost, "/api/v1/workbench/drafts/"+id+"/lock", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Transition moves a draft through review: verb is "submit", "approve",
// or "reject".
func (c *Client) Transition(ctx context.Context, id, verb string) (*Draft, error) {
	var d Draft
	if err := c.do(ctx, http.MethodPost, "/api/v1/workbench/drafts/"+id+"/"+verb, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ValidateDraft runs the pre-flight checks without mutating the draft.
func (c *Client) ValidateDraft(ctx context.Context, id string) ([]Issue, error) {
	var out struct {
		Issues []Issue `json:"issues"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/workbench/drafts/"+id+"/validate", nil, &out); err != nil {
		return nil, err
	}
	return out.Issues, nil
}

// ListModels returns the catalog summaries.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.do(ctx, http.MethodGet, "/api/v1/models", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// do issues one request. out may be nil for endpoints with no body of
// interest; non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Detail string `json:"detail"`
	}
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &envelope) == nil && envelope.Detail != "" {
		detail = envelope.Detail
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}
