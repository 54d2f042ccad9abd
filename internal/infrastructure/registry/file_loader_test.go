package registry

import (
	"os"
	"path/filepath"
	"testing"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadExchangeRegistry(t *testing.T) {
	path := writeList(t, "exchanges.csv", "address,label\n34xp4vRoCGJym3xR7yCVPFHoCNxv4Twseo,binance\nbc1qgdjqq0prxz6rfpel7p5h8cg8gxvdzeh9k8aqy6,bitfinex\n")

	reg, err := LoadExchangeRegistry(&config.RegistryConfig{Path: path, MaxMalformedRatio: 0.1}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Size())

	label, ok := reg.Label("34xp4vRoCGJym3xR7yCVPFHoCNxv4Twseo")
	assert.True(t, ok)
	assert.Equal(t, "binance", label)
}

func TestLoadExchangeRegistry_Failures(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "no path", path: func(*testing.T) string { return "" }},
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.csv") }},
		{name: "empty file", path: func(t *testing.T) string { return writeList(t, "empty.csv", "") }},
		{name: "whitespace only", path: func(t *testing.T) string { return writeList(t, "blank.csv", "\n  \n") }},
		{name: "no valid rows", path: func(t *testing.T) string { return writeList(t, "junk.csv", "address\nnot-an-address\n") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.RegistryConfig{Path: tt.path(t), MaxMalformedRatio: 0.1}
			reg, err := LoadExchangeRegistry(cfg, logger.NewNop())
			assert.ErrorIs(t, err, entity.ErrRegistryLoad)
			assert.Nil(t, reg)
		})
	}
}
