package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8899", cfg.Ledger.RPCEndpoint)
	assert.Equal(t, 1_000_000.0, cfg.Aggregation.PenaltyRTTUs)
	assert.Equal(t, 100_000.0, cfg.Aggregation.PenaltyJitterUs)
	assert.Equal(t, uint64(10_000_000), cfg.Aggregation.DedupWindowUs)
	assert.Equal(t, []float64{0.50, 0.75, 0.90, 0.95, 0.99}, cfg.Aggregation.PercentileBins)
	assert.Equal(t, uint64(5), cfg.Aggregation.MaxEpochsLookback)
	assert.Equal(t, 0.8, cfg.Aggregation.MinCoverage)
	assert.Equal(t, 20, cfg.Aggregation.MinSamplesPerLink)
	assert.Equal(t, 0.98, cfg.Shapley.OperatorUptime)
	assert.Equal(t, 5.0, cfg.Shapley.ContiguityBonus)
	assert.Equal(t, 1.2, cfg.Shapley.DemandMultiplier)
	assert.Equal(t, uint64(300), cfg.Scheduler.IntervalSeconds)
	assert.Equal(t, uint32(10), cfg.Scheduler.MaxConsecutiveFailures)
	assert.False(t, cfg.Scheduler.EnableDryRun)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
ledger:
  rpc_endpoint: "https://ledger.example.com"
scheduler:
  interval_seconds: 60
  enable_dry_run: true
shapley:
  operator_uptime: 0.95
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://ledger.example.com", cfg.Ledger.RPCEndpoint)
	assert.Equal(t, uint64(60), cfg.Scheduler.IntervalSeconds)
	assert.True(t, cfg.Scheduler.EnableDryRun)
	assert.Equal(t, 0.95, cfg.Shapley.OperatorUptime)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1_000_000.0, cfg.Aggregation.PenaltyRTTUs)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("Valid Defaults", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("Missing Endpoint", func(t *testing.T) {
		cfg := base()
		cfg.Ledger.RPCEndpoint = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("Loss Threshold Out Of Range", func(t *testing.T) {
		cfg := base()
		cfg.Aggregation.LossThreshold = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("Bad Percentile Bin", func(t *testing.T) {
		cfg := base()
		cfg.Aggregation.PercentileBins = []float64{0.5, 1.2}
		assert.Error(t, cfg.Validate())
	})

	t.Run("Zero Interval", func(t *testing.T) {
		cfg := base()
		cfg.Scheduler.IntervalSeconds = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("Zero Failure Ceiling", func(t *testing.T) {
		cfg := base()
		cfg.Scheduler.MaxConsecutiveFailures = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("NCR_LEDGER_RPC_ENDPOINT", "https://env.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Ledger.RPCEndpoint)
}
