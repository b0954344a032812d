package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocx/inference-gateway/internal/api"
	"github.com/ocx/inference-gateway/internal/authflow"
	"github.com/ocx/inference-gateway/internal/budget"
	"github.com/ocx/inference-gateway/internal/compliance"
	"github.com/ocx/inference-gateway/internal/config"
	"github.com/ocx/inference-gateway/internal/identity"
	"github.com/ocx/inference-gateway/internal/inference"
	"github.com/ocx/inference-gateway/internal/modelcatalog"
	"github.com/ocx/inference-gateway/internal/pipeline"
	"github.com/ocx/inference-gateway/internal/redaction"
	"github.com/ocx/inference-gateway/internal/telemetry"
	"github.com/ocx/inference-gateway/internal/vault"
	"github.com/ocx/inference-gateway/internal/workbench"
)

func main() {
	log.Println("🔥 Starting Governance Enforcement Gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration: %v", err)
	}

	// 1. Shared backends. Both are optional in development; production
	// config validation has already insisted on them.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Postgres: %v", err)
		}
		defer db.Close()
	} else {
		log.Println("⚠️  DATABASE_URL unset; using in-memory stores")
	}

	var counter budget.Counter
	if cfg.RedisURL != "" {
		rc, err := budget.NewRedisCounter(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Redis: %v", err)
		}
		counter = rc
	} else {
		log.Println("⚠️  REDIS_URL unset; budget counters are process-local")
		counter = budget.NewMemoryCounter(48 * time.Hour)
	}

	// 2. Telemetry: async queue in front of the durable sink. Built before
	// the ledger so its markers can feed the audit trail.
	var sink telemetry.Sink
	if db != nil {
		sink = telemetry.NewPostgresSink(db)
	} else {
		sink = telemetry.NewMemorySink()
	}
	queue := telemetry.NewQueue(sink, telemetry.QueueConfig{
		Capacity: cfg.TelemetryQueueCapacity,
		Workers:  cfg.TelemetryWorkers,
	})

	// 3. Budget ledger with background reservation sweeper. Clamp markers
	// ride the request's own record through the pipeline; the sweeper's
	// auto-refunds have no request, so they get marker-only records here.
	ledger := budget.NewLedger(counter, budget.Config{
		DailyCapMicros:      cfg.DailyBudgetCapMicros,
		OverrunSlackPercent: cfg.BudgetOverrunSlackPct,
		SweepInterval:       30 * time.Second,
		OnMarker: func(marker, userID string, amountMicros int64) {
			log.Printf("[BudgetLedger] marker=%s user=%s amount=%d", marker, userID, amountMicros)
			if marker != budget.MarkerAutoRefunded {
				return
			}
			rec := telemetry.NewRecord(userID, "", "", "")
			rec.Outcome = marker
			rec.CostMicros = amountMicros
			rec.Markers = []string{marker}
			queue.Enqueue(rec)
		},
	})
	defer ledger.Stop()

	// 4. Secret vault.
	crypto, err := vault.NewCrypto(cfg.MasterEncryptionKey)
	if err != nil {
		log.Fatalf("❌ Vault crypto: %v", err)
	}
	var secretRows vault.RowStore
	if db != nil {
		secretRows = vault.NewPostgresStore(db)
	} else {
		secretRows = vault.NewMemoryStore()
	}
	secrets := vault.NewReader(secretRows, crypto)

	// 5. Model catalog and compliance manifest.
	catalog, err := modelcatalog.Load(cfg.ModelCatalogPath)
	if err != nil {
		log.Fatalf("❌ Model catalog: %v", err)
	}
	manifest, err := compliance.Load(cfg.ComplianceManifestPath)
	if err != nil {
		log.Fatalf("❌ Compliance manifest: %v", err)
	}
	log.Printf("Compliance manifest %s loaded (%s)", manifest.Version, manifest.Fingerprint())

	// 6. PII scrubbing.
	engine := redaction.NewEngine(redaction.NewAnalyzer())

	// 7. Upstream proxy behind per-model circuit breakers.
	proxy := inference.NewProxy(inference.NewHTTPUpstream(cfg.UpstreamBaseURL), inference.NewRegistry(nil))

	// 8. Identity. The device-flow issuer mints first-party tokens; when
	// an upstream IdP is configured its JWKS endpoint wins.
	var mapper identity.Mapper
	if db != nil {
		mapper = identity.NewPostgresMapper(db)
	} else {
		mapper = &identity.MemoryMapper{}
	}

	var issuer *authflow.Issuer
	if cfg.DeviceFlowEnabled {
		issuer, err = authflow.NewIssuer(issuerURL(cfg), verificationURI(cfg))
		if err != nil {
			log.Fatalf("❌ Token issuer: %v", err)
		}
	}

	var resolver *identity.Resolver
	switch {
	case cfg.OIDCJWKSURL != "":
		resolver = identity.NewResolver(identity.NewJWKSClient(cfg.OIDCJWKSURL), cfg.OIDCIssuer, mapper)
	case issuer != nil:
		resolver = identity.NewResolver(issuer.KeySet(), issuer.IssuerURL(), mapper)
	default:
		log.Fatalf("❌ No token verifier: set OIDC_JWKS_URL or enable the device flow")
	}

	// 9. Request pipeline and workbench.
	pipe := pipeline.New(catalog, ledger, secrets, proxy, engine, queue)

	var drafts workbench.Store
	if db != nil {
		drafts = workbench.NewPostgresStore(db)
	} else {
		drafts = workbench.NewMemoryStore()
	}
	bench, err := workbench.NewService(drafts, ledger, catalog, engine, manifest)
	if err != nil {
		log.Fatalf("❌ Workbench: %v", err)
	}

	// 10. HTTP edge.
	server := api.NewServer(api.Config{
		Resolver:  resolver,
		Issuer:    issuer,
		Pipeline:  pipe,
		Workbench: bench,
		Secrets:   secrets,
		Catalog:   catalog,
		Manifest:  manifest,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 Gateway listening on %s:%d", cfg.Host, cfg.Port)
		errCh <- server.ListenAndServe(cfg.Host, cfg.Port, cfg.TLSCertFile, cfg.TLSKeyFile)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("⏰ Signal %s received, draining...", sig)
	case err := <-errCh:
		log.Fatalf("❌ Server failed: %v", err)
	}

	// Drain order matters: stop accepting requests, then flush the audit
	// trail, then halt the reservation sweeper (the deferred Stop).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.Printf("⚠️  Telemetry drain: %v", err)
	}
	log.Println("Gateway stopped.")
}

// issuerURL is the iss claim minted tokens carry. TLS decides the scheme.
func issuerURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.TLSCertFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

func verificationURI(cfg *config.Config) string {
	return issuerURL(cfg) + "/device"
}
