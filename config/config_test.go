package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/gateway")
	t.Setenv("REDIS_ADDR", "localhost:6379")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "postgres", cfg.LedgerDriver)
	assert.Equal(t, 1.0, cfg.BudgetFree)
	assert.Equal(t, 2.0, cfg.BudgetStandard)
	assert.Equal(t, 20.0, cfg.BudgetPro)
	assert.Equal(t, 100.0, cfg.BudgetEnterprise)
	assert.Equal(t, "free", cfg.GuestPlan)
	assert.Equal(t, 1024, cfg.UsageQueueSize)
	assert.Equal(t, 5, cfg.KnowledgeMatchCount)
	assert.Equal(t, 1.0, cfg.OTELSampleRatio)
	assert.False(t, cfg.RunSeed)
}

func TestLoad_MissingRedis(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/gateway")
	t.Setenv("REDIS_ADDR", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_SQLiteDoesNotNeedPostgres(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "./data/ledger.db", cfg.SQLitePath)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"REQUEST_TIMEOUT":        "sixty",
		"BUDGET_PRO_USD":         "-1",
		"USAGE_WORKERS":          "0",
		"LEDGER_DRIVER":          "mongo",
		"DEFAULT_RATE_LIMIT_TPM": "lots",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
