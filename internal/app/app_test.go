package app_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/listings-pipeline/internal/app"
	"github.com/joseph-ayodele/listings-pipeline/internal/common"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RejectsConfigBeforeConnecting(t *testing.T) {
	t.Setenv("DB_URL", "")
	_, err := app.New(context.Background(), common.LoadConfig(), quiet(), app.Options{})
	require.Error(t, err)

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFIG_ERROR", appErr.Code)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestNew_RequiresLLMCredentialsWhenAsked(t *testing.T) {
	t.Setenv("DB_URL", "postgres://listings@127.0.0.1:1/listings")
	cfg := common.LoadConfig()
	cfg.LLM.APIKey = ""

	_, err := app.New(context.Background(), cfg, quiet(), app.Options{LLM: true})
	require.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestNew_NilConfig(t *testing.T) {
	_, err := app.New(context.Background(), nil, quiet(), app.Options{})
	require.ErrorIs(t, err, common.ErrInvalidInput)
}
