package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port           string        // default: 8080
	RequestTimeout time.Duration // default: 60s

	// Ledger
	LedgerDriver string // "postgres" or "sqlite"
	PostgresDSN  string
	SQLitePath   string

	// Cache
	RedisAddr string

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Observability
	Version              string
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // fraction of root spans kept, default: 1
	LogLevel             string

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Monthly budgets in USD, 0 means unlimited
	BudgetFree       float64
	BudgetStandard   float64
	BudgetPro        float64
	BudgetEnterprise float64
	GuestPlan        string

	// Usage queue
	UsageQueueSize int
	UsageWorkers   int

	// Knowledge retrieval
	KnowledgeMatchThreshold float64
	KnowledgeMatchCount     int

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LedgerDriver:         getEnv("LEDGER_DRIVER", "postgres"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/ledger.db"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		Version:              getEnv("SERVICE_VERSION", "0.1.0"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		GuestPlan:            getEnv("GUEST_PLAN", "free"),
	}

	var err error
	if cfg.RequestTimeout, err = time.ParseDuration(getEnv("REQUEST_TIMEOUT", "60s")); err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	if cfg.DefaultRateLimitTPM, err = strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}

	floats := []struct {
		key      string
		fallback string
		dst      *float64
	}{
		{"BUDGET_FREE_USD", "1.0", &cfg.BudgetFree},
		{"BUDGET_STANDARD_USD", "2.0", &cfg.BudgetStandard},
		{"BUDGET_PRO_USD", "20.0", &cfg.BudgetPro},
		{"BUDGET_ENTERPRISE_USD", "100.0", &cfg.BudgetEnterprise},
		{"KNOWLEDGE_MATCH_THRESHOLD", "0.5", &cfg.KnowledgeMatchThreshold},
		{"OTEL_SAMPLE_RATIO", "1.0", &cfg.OTELSampleRatio},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(getEnv(f.key, f.fallback), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", f.key)
		}
		*f.dst = v
	}

	ints := []struct {
		key      string
		fallback string
		dst      *int
	}{
		{"USAGE_QUEUE_SIZE", "1024", &cfg.UsageQueueSize},
		{"USAGE_WORKERS", "2", &cfg.UsageWorkers},
		{"KNOWLEDGE_MATCH_COUNT", "5", &cfg.KnowledgeMatchCount},
	}
	for _, i := range ints {
		v, err := strconv.Atoi(getEnv(i.key, i.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", i.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", i.key)
		}
		*i.dst = v
	}

	if cfg.RunSeed, err = strconv.ParseBool(getEnv("RUN_SEED", "false")); err != nil {
		return nil, fmt.Errorf("invalid RUN_SEED: %w", err)
	}

	// Validation
	switch cfg.LedgerDriver {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return nil, fmt.Errorf("unsupported LEDGER_DRIVER %q", cfg.LedgerDriver)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
