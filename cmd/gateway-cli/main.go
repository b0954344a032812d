package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ocx/inference-gateway/pkg/sdk"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8000"
	}

	client := sdk.NewClient(sdk.Config{
		GatewayURL: gateway,
		Token:      os.Getenv("GATEWAY_TOKEN"),
		OnUserPrompt: func(code, uri string) {
			fmt.Printf("Visit %s and enter code: \033[1m%s\033[0m\n", uri, code)
			fmt.Println("Waiting for approval...")
		},
	})

	switch os.Args[1] {
	case "login":
		cmdLogin(client)
	case "chat":
		cmdChat(client)
	case "drafts":
		cmdDrafts(client)
	case "models":
		cmdModels(client)
	case "version":
		fmt.Printf("gateway-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Governance Gateway CLI v` + version + `

Usage: gateway-cli <command> [flags]

Commands:
  login     Authenticate via the device flow
  chat      Send a governed chat completion
  drafts    List/get/submit workbench drafts
  models    List the model catalog
  version   Print version
  help      Show this help

Environment:
  GATEWAY_URL     Gateway URL (default: http://localhost:8000)
  GATEWAY_TOKEN   Bearer token (default: cached from 'login')

Examples:
  gateway-cli login
  gateway-cli chat --project proj-a --model gpt-4o --prompt "Summarize Q3"
  gateway-cli drafts list --project proj-a
  gateway-cli drafts submit --id 4f7b...`)
}

// ----------------------------------------------------------------
// login command
// ----------------------------------------------------------------

func cmdLogin(client *sdk.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 11*time.Minute)
	defer cancel()
	if err := client.Login(ctx); err != nil {
		fatal("login failed: %v", err)
	}
	fmt.Println("\033[32mAuthenticated.\033[0m Token cached for future commands.")
}

// ----------------------------------------------------------------
// chat command
// ----------------------------------------------------------------

func cmdChat(client *sdk.Client) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	model := fs.String("model", "", "catalog model id (required)")
	prompt := fs.String("prompt", "", "user prompt (required)")
	maxTokens := fs.Int("max-tokens", 0, "completion token cap")
	fs.Parse(os.Args[2:])

	if *project == "" || *model == "" || *prompt == "" {
		fatal("chat requires --project, --model and --prompt")
	}

	resp, err := client.Chat(context.Background(), sdk.ChatRequest{
		ProjectID: *project,
		Model:     *model,
		Messages:  []sdk.Message{{Role: "user", Content: *prompt}},
		MaxTokens: *maxTokens,
	})
	if err != nil {
		fatal("chat: %v", err)
	}

	os.Stdout.Write(resp.Body)
	fmt.Println()
	fmt.Fprintf(os.Stderr, "record=%s tokens=%d/%d cost=%dµ latency=%dms\n",
		resp.RecordID, resp.PromptTokens, resp.CompletionTokens, resp.CostMicros, resp.LatencyMS)
}

// ----------------------------------------------------------------
// drafts command
// ----------------------------------------------------------------

func cmdDrafts(client *sdk.Client) {
	if len(os.Args) < 3 {
		fatal("drafts requires a subcommand: list | get | submit")
	}
	ctx := context.Background()

	switch os.Args[2] {
	case "list":
		fs := flag.NewFlagSet("drafts list", flag.ExitOnError)
		project := fs.String("project", "", "project id (required)")
		fs.Parse(os.Args[3:])
		if *project == "" {
			fatal("drafts list requires --project")
		}
		drafts, err := client.ListDrafts(ctx, *project)
		if err != nil {
			fatal("drafts list: %v", err)
		}
		for _, d := range drafts {
			fmt.Printf("%-36s  %-8s  %-20s  %s\n", d.ID, d.Status, d.Owner, d.Title)
		}
	case "get":
		id := draftID()
		d, err := client.GetDraft(ctx, id)
		if err != nil {
			fatal("drafts get: %v", err)
		}
		out, _ := json.MarshalIndent(d, "", "  ")
		fmt.Println(string(out))
		if d.Mode == sdk.ModeSafeView {
			fmt.Fprintf(os.Stderr, "read-only: locked by %s\n", d.LockedBy)
		}
	case "submit":
		id := draftID()
		d, err := client.Transition(ctx, id, "submit")
		if err != nil {
			fatal("drafts submit: %v", err)
		}
		fmt.Printf("Draft %s is now %s\n", d.ID, d.Status)
	default:
		fatal("unknown drafts subcommand: %s", os.Args[2])
	}
}

func draftID() string {
	fs := flag.NewFlagSet("drafts", flag.ExitOnError)
	id := fs.String("id", "", "draft id (required)")
	fs.Parse(os.Args[3:])
	if *id == "" {
		fatal("--id is required")
	}
	return *id
}

// ----------------------------------------------------------------
// models command
// ----------------------------------------------------------------

func cmdModels(client *sdk.Client) {
	models, err := client.ListModels(context.Background())
	if err != nil {
		fatal("models: %v", err)
	}
	for _, m := range models {
		fmt.Printf("%-24s  %-10s  %s\n", m.ID, m.Provider, m.Family)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
