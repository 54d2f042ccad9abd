package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, 16, cfg.Ingestion.Workers)
	assert.Equal(t, 3, cfg.Ingestion.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Ingestion.BaseBackoff)
	assert.Equal(t, 8*time.Second, cfg.Ingestion.MaxBackoff)
	assert.Equal(t, 0.2, cfg.Ingestion.JitterFraction)
	assert.Equal(t, "https://mempool.space/api", cfg.Ingestion.Primary.URL)
	assert.False(t, cfg.Ingestion.RPC.Enabled)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, time.Hour}, cfg.Aggregator.Widths)
	assert.Equal(t, 0.7, cfg.Flow.CoinJoinThreshold)
	assert.Equal(t, 0.7, cfg.Fusion.Weights.WhaleFlow)
	assert.Equal(t, 0.3, cfg.Fusion.Weights.External)
	assert.Equal(t, 0.6, cfg.Fusion.BuyThreshold)
	assert.Equal(t, -0.6, cfg.Fusion.SellThreshold)
	assert.Equal(t, []float64{0.001, 0.01, 0.05, 0.5}, cfg.CoinJoin.Denominations)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Neo4J.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FlagsAndEnvironment(t *testing.T) {
	t.Setenv("WHALEFLOW_FUSION_BUY_THRESHOLD", "0.75")
	t.Setenv("WHALEFLOW_INGESTION_WORKERS", "4")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--block", "840000", "--external-vote", "-0.4", "--registry", "/tmp/exchanges.csv"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, "840000", cfg.App.Block)
	assert.False(t, cfg.App.Follow)
	assert.Equal(t, -0.4, cfg.Fusion.ExternalVote)
	assert.Equal(t, "/tmp/exchanges.csv", cfg.Registry.Path)
	assert.Equal(t, 0.75, cfg.Fusion.BuyThreshold)
	assert.Equal(t, 4, cfg.Ingestion.Workers)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no workers", mutate: func(c *Config) { c.Ingestion.Workers = 0 }},
		{name: "no attempts", mutate: func(c *Config) { c.Ingestion.MaxAttempts = 0 }},
		{name: "no widths", mutate: func(c *Config) { c.Aggregator.Widths = nil }},
		{name: "negative width", mutate: func(c *Config) { c.Aggregator.Widths = []time.Duration{-time.Minute} }},
		{name: "threshold out of range", mutate: func(c *Config) { c.Flow.CoinJoinThreshold = 1.5 }},
		{name: "vote out of range", mutate: func(c *Config) { c.Fusion.ExternalVote = -2 }},
		{name: "inverted thresholds", mutate: func(c *Config) { c.Fusion.SellThreshold = 0.9 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}
