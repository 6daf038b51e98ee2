package common_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/internal/common"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/listings")
	t.Setenv("BATCH_PAGE_SIZE", "")
	t.Setenv("OPENAI_TEMPERATURE", "")
	t.Setenv("CLAIM_STALE_AFTER", "")

	cfg := common.LoadConfig()
	assert.Equal(t, 100, cfg.Batch.PageSize)
	assert.Equal(t, 500, cfg.Batch.MaxRecordsPerJob)
	assert.Equal(t, "/v1/chat/completions", cfg.Batch.Endpoint)
	assert.Equal(t, "24h", cfg.Batch.CompletionWindow)
	assert.Equal(t, 72*time.Hour, cfg.Batch.ClaimStaleAfter)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, "ARS", cfg.LLM.DefaultCurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BATCH_PAGE_SIZE", "250")
	t.Setenv("JOB_LEASE_TTL", "90s")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := common.LoadConfig()
	assert.Equal(t, 250, cfg.Batch.PageSize)
	assert.Equal(t, 90*time.Second, cfg.Batch.JobLeaseTTL)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/listings")

	cfg := common.LoadConfig()
	cfg.Batch.MaxRecordsPerJob = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, common.ErrInvalidInput)
	assert.Contains(t, err.Error(), "BATCH_MAX_RECORDS")

	cfg = common.LoadConfig()
	cfg.Database.DSN = ""
	require.ErrorContains(t, cfg.Validate(), "DB_URL")
}

func TestRequireLLM(t *testing.T) {
	cfg := common.LoadConfig()
	cfg.LLM.APIKey = ""
	require.ErrorContains(t, cfg.RequireLLM(), "OPENAI_API_KEY")

	cfg.LLM.APIKey = "sk-test"
	require.NoError(t, cfg.RequireLLM())
}

func TestValidator(t *testing.T) {
	v := common.NewValidator().
		Field("text", "  ", common.Required).
		Field("price", int64(-5), common.NonNegative).
		Field("currency", "ars", common.CurrencyCode)
	require.True(t, v.HasErrors())
	assert.Len(t, v.Errors(), 3)
	assert.True(t, common.IsValidation(v.Error()))

	ok := common.NewValidator().Field("currency", "USD", common.Required, common.CurrencyCode)
	assert.NoError(t, ok.Error())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := common.NewLogger(&buf, common.LogConfig{Level: "warn", Format: "json"})
	logger.Info("pipeline.build.start")
	logger.Warn("pipeline.build.flush", "records", 3)
	assert.NotContains(t, buf.String(), "pipeline.build.start")
	assert.Contains(t, buf.String(), `"records":3`)

	assert.Equal(t, slog.LevelDebug, common.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, common.ParseLevel("loud"))
}
