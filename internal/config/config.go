// Package config loads the gateway's environment-driven configuration.
// A .env file is honored in development; production reads the process
// environment only and refuses to start with critical settings missing.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete runtime configuration.
type Config struct {
	Environment string
	Debug       bool
	Host        string
	Port        int

	DatabaseURL string
	RedisURL    string

	OIDCJWKSURL string
	OIDCIssuer  string

	MasterEncryptionKey string // 64 hex chars → 32 bytes

	DailyBudgetCapMicros   int64
	BudgetOverrunSlackPct  int64
	TelemetryQueueCapacity int
	TelemetryWorkers       int

	UpstreamBaseURL        string
	ModelCatalogPath       string
	ComplianceManifestPath string

	TLSCertFile string
	TLSKeyFile  string

	DeviceFlowEnabled bool
	EnterpriseLicense string
}

// Load reads .env (when present) and the environment, then validates.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getString("ENVIRONMENT", EnvDevelopment),
		Debug:       getBool("DEBUG", false),
		Host:        getString("HOST", "127.0.0.1"),
		Port:        int(getInt("PORT", 8000)),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		OIDCJWKSURL: os.Getenv("OIDC_JWKS_URL"),
		OIDCIssuer:  os.Getenv("OIDC_ISSUER"),

		MasterEncryptionKey: os.Getenv("MASTER_ENCRYPTION_KEY"),

		DailyBudgetCapMicros:   getInt("DAILY_BUDGET_CAP", 50) * 1_000_000,
		BudgetOverrunSlackPct:  getInt("BUDGET_OVERRUN_SLACK_PERCENT", 10),
		TelemetryQueueCapacity: int(getInt("TELEMETRY_QUEUE_CAPACITY", 1000)),
		TelemetryWorkers:       int(getInt("TELEMETRY_WORKERS", 4)),

		UpstreamBaseURL:        getString("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		ModelCatalogPath:       getString("MODEL_CATALOG_PATH", "configs/models.yaml"),
		ComplianceManifestPath: getString("COMPLIANCE_MANIFEST_PATH", "configs/compliance.yaml"),

		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),

		DeviceFlowEnabled: getBool("DEVICE_FLOW_ENABLED", true),
		EnterpriseLicense: os.Getenv("ENTERPRISE_LICENSE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants every deployment must satisfy, plus
// the stricter production set.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("ENVIRONMENT must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.MasterEncryptionKey != "" {
		if err := validateMasterKey(c.MasterEncryptionKey); err != nil {
			return err
		}
	}
	if c.DailyBudgetCapMicros <= 0 {
		return fmt.Errorf("DAILY_BUDGET_CAP must be positive")
	}
	if c.BudgetOverrunSlackPct < 0 || c.BudgetOverrunSlackPct > 100 {
		return fmt.Errorf("BUDGET_OVERRUN_SLACK_PERCENT must be 0-100")
	}

	if c.Environment == EnvProduction {
		missing := []string{}
		for name, value := range map[string]string{
			"DATABASE_URL":          c.DatabaseURL,
			"REDIS_URL":             c.RedisURL,
			"MASTER_ENCRYPTION_KEY": c.MasterEncryptionKey,
			"OIDC_JWKS_URL":         c.OIDCJWKSURL,
			"OIDC_ISSUER":           c.OIDCIssuer,
		} {
			if value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("production requires %v", missing)
		}
		if c.Debug {
			return fmt.Errorf("DEBUG must be off in production")
		}
	}
	return nil
}

// IsProduction reports whether the stricter production rules apply.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func validateMasterKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY is not hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY decodes to %d bytes, need 32", len(raw))
	}
	return nil
}

func getString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getInt(name string, fallback int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
