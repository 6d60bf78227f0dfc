package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBillingConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := BillingConfig{ChunkSize: 25}.withDefaults()

	require.Equal(t, 25, cfg.ChunkSize)
	require.Equal(t, 1000, cfg.MaxSubscriptionsPerRun)
	require.Equal(t, 28*time.Second, cfg.RunBudget)
	require.Equal(t, 20, cfg.BreakerMinProcessed)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, 10, cfg.MaxReportedErrors)
}

func TestValidateBillingConfigRejectsOversizedChunks(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.ChunkSize = 2000
	require.Error(t, validateBillingConfig(cfg))

	require.NoError(t, validateBillingConfig(DefaultBillingConfig()))
}

func TestStaticBillingConfigHolder(t *testing.T) {
	holder := NewStaticBillingConfigHolder(BillingConfig{ChunkSize: 5, RunBudget: time.Second})

	got := holder.Get()
	require.Equal(t, 5, got.ChunkSize)
	require.Equal(t, time.Second, got.RunBudget)
	require.Equal(t, 1000, got.MaxSubscriptionsPerRun, "unset fields fall back to defaults")
}
