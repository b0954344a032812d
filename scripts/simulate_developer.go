// Demo script: walks one developer session through the gateway — device
// login, a governed completion, and a workbench draft — printing each
// enforcement stage as it happens.
//
// Run against a local gateway:
//
//	GATEWAY_URL=http://localhost:8000 go run scripts/simulate_developer.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ocx/inference-gateway/pkg/sdk"
)

func main() {
	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8000"
	}

	client := sdk.NewClient(sdk.Config{
		GatewayURL: gateway,
		OnUserPrompt: func(code, uri string) {
			fmt.Printf("📡 Visit %s and enter code %s\n", uri, code)
		},
	})

	ctx := context.Background()
	fmt.Println("🤖 Developer session starting")

	if client.Token() == "" {
		if err := client.Login(ctx); err != nil {
			log.Fatalf("login: %v", err)
		}
	}
	fmt.Println("✅ Authenticated.")

	// 1. A governed completion. The prompt deliberately carries PII so
	// the audit trail scrubbing is visible in the telemetry_logs table.
	resp, err := client.Chat(ctx, sdk.ChatRequest{
		ProjectID: "proj-a",
		Model:     "gpt-4o-mini",
		Messages: []sdk.Message{
			{Role: "user", Content: "Draft a welcome email for jane.roe@corp.example"},
		},
	})
	if err != nil {
		log.Fatalf("chat: %v", err)
	}
	fmt.Printf("💬 Completion %s: %d+%d tokens, %dµ, %dms\n",
		resp.RecordID, resp.PromptTokens, resp.CompletionTokens, resp.CostMicros, resp.LatencyMS)

	// 2. A workbench draft through the review gate.
	draft, err := client.CreateDraft(ctx, "proj-a", "Welcome email prompt",
		json.RawMessage(`{"prompt": "You write friendly onboarding emails.", "model": "gpt-4o-mini"}`))
	if err != nil {
		log.Fatalf("create draft: %v", err)
	}
	fmt.Printf("📝 Draft %s created (%s)\n", draft.ID, draft.Status)

	issues, err := client.ValidateDraft(ctx, draft.ID)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	for _, issue := range issues {
		fmt.Printf("⚠️  %s %s: %s\n", issue.Severity, issue.Field, issue.Detail)
	}

	if _, err := client.Transition(ctx, draft.ID, "submit"); err != nil {
		log.Fatalf("submit: %v", err)
	}
	fmt.Println("📬 Draft submitted for review. A MANAGER must approve it.")
}
