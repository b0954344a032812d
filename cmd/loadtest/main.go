package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/inference-gateway/pkg/sdk"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumRequests    int
	Concurrency    int
	Duration       time.Duration
	ReportInterval time.Duration
	ProjectID      string
	Model          string
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests       uint64
	Successes           uint64
	BudgetRejections    uint64
	Unavailable         uint64
	OtherFailures       uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	numReqs := flag.Int("requests", 1000, "Number of completions to send")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	duration := flag.Duration("duration", 0, "Test duration (0 = run until requests complete)")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	project := flag.String("project", "proj-a", "Project id to bill against")
	model := flag.String("model", "gpt-4o-mini", "Catalog model id")
	flag.Parse()

	config := LoadTestConfig{
		NumRequests:    *numReqs,
		Concurrency:    *concurrency,
		Duration:       *duration,
		ReportInterval: *reportInterval,
		ProjectID:      *project,
		Model:          *model,
	}

	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8000"
	}
	token := os.Getenv("GATEWAY_TOKEN")
	if token == "" {
		slog.Error("GATEWAY_TOKEN is required (run 'gateway-cli login' first)")
		os.Exit(1)
	}
	client := sdk.NewClient(sdk.Config{GatewayURL: gateway, Token: token})

	slog.Info("🚀 Starting Gateway Load Test")
	slog.Info("Target", "gateway", gateway, "project", config.ProjectID, "model", config.Model)
	slog.Info("Volume", "requests", config.NumRequests, "concurrency", config.Concurrency, "duration", config.Duration)

	stats := runLoadTest(client, config)
	printResults(stats)
}

func runLoadTest(client *sdk.Client, config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{MinLatency: time.Hour}

	var (
		mu        sync.Mutex
		latencies []time.Duration
		sent      atomic.Int64
	)

	ctx := context.Background()
	if config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	start := time.Now()
	stopReport := make(chan struct{})
	go func() {
		ticker := time.NewTicker(config.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopReport:
				return
			case <-ticker.C:
				done := atomic.LoadUint64(&stats.TotalRequests)
				slog.Info("progress",
					"completed", done,
					"throughput", fmt.Sprintf("%.1f/s", float64(done)/time.Since(start).Seconds()))
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < config.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				n := sent.Add(1)
				if int(n) > config.NumRequests || ctx.Err() != nil {
					return
				}

				reqStart := time.Now()
				_, err := client.Chat(ctx, sdk.ChatRequest{
					ProjectID: config.ProjectID,
					Model:     config.Model,
					Messages: []sdk.Message{
						{Role: "user", Content: fmt.Sprintf("load test request %d from worker %d", n, worker)},
					},
					MaxTokens: 16,
				})
				latency := time.Since(reqStart)

				atomic.AddUint64(&stats.TotalRequests, 1)
				switch {
				case err == nil:
					atomic.AddUint64(&stats.Successes, 1)
				default:
					if apiErr, ok := err.(*sdk.APIError); ok {
						switch apiErr.StatusCode {
						case http.StatusPaymentRequired:
							atomic.AddUint64(&stats.BudgetRejections, 1)
						case http.StatusServiceUnavailable:
							atomic.AddUint64(&stats.Unavailable, 1)
						default:
							atomic.AddUint64(&stats.OtherFailures, 1)
						}
					} else {
						atomic.AddUint64(&stats.OtherFailures, 1)
					}
				}

				mu.Lock()
				latencies = append(latencies, latency)
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				if latency < stats.MinLatency {
					stats.MinLatency = latency
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(stopReport)

	stats.TotalDuration = time.Since(start)
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		stats.AvgLatency = total / time.Duration(len(latencies))
		stats.P95Latency = latencies[len(latencies)*95/100]
		stats.P99Latency = latencies[len(latencies)*99/100]
	}
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / stats.TotalDuration.Seconds()
	return stats
}

func printResults(stats *LoadTestStats) {
	fmt.Println("\n================ RESULTS ================")
	fmt.Printf("Requests:        %d\n", stats.TotalRequests)
	fmt.Printf("Successes:       %d\n", stats.Successes)
	fmt.Printf("Budget 402s:     %d\n", stats.BudgetRejections)
	fmt.Printf("Unavailable:     %d\n", stats.Unavailable)
	fmt.Printf("Other failures:  %d\n", stats.OtherFailures)
	fmt.Printf("Duration:        %s\n", stats.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Throughput:      %.1f req/s\n", stats.ThroughputPerSecond)
	fmt.Printf("Latency avg:     %s\n", stats.AvgLatency.Round(time.Millisecond))
	fmt.Printf("Latency min/max: %s / %s\n", stats.MinLatency.Round(time.Millisecond), stats.MaxLatency.Round(time.Millisecond))
	fmt.Printf("Latency p95/p99: %s / %s\n", stats.P95Latency.Round(time.Millisecond), stats.P99Latency.Round(time.Millisecond))
	fmt.Println("=========================================")
}
