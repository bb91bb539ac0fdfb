package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, int64(4), cfg.LLMMaxInFlight)
	assert.Equal(t, 3, cfg.LLMMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.LLMMinSpacing)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxWindow)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 3, cfg.SummarizeLimit)
	assert.Equal(t, 100, cfg.APIRateLimit)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("LLM_MAX_IN_FLIGHT", "8")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "5s")
	t.Setenv("LLM_DEFAULT_MODEL", "gpt-4o")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, int64(8), cfg.LLMMaxInFlight)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, "gpt-4o", cfg.DefaultModel)
}

func TestLoadFromEnvUnknownDefaultModel(t *testing.T) {
	t.Setenv("LLM_DEFAULT_MODEL", "no-such-model")
	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestModelTableResolve(t *testing.T) {
	table := builtinModelTable()

	resolved, err := table.Resolve("default")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resolved)

	resolved, err = table.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resolved)

	_, err = table.Resolve("bogus")
	require.Error(t, err)
}

func TestLoadModelTableRejectsDanglingAlias(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("aliases:\n  fast: missing-model\n"), 0o600))

	_, err := LoadModelTable(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestModelTableCost(t *testing.T) {
	table := builtinModelTable()
	cost := table.Cost("gpt-4o-mini", 2000, 1000)
	assert.InDelta(t, 2*0.00015+1*0.0006, cost, 1e-9)
	assert.Zero(t, table.Cost("unrated", 100, 100))
}

func TestAPIKeyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"keys:\n  secret-1:\n    name: ci-bot\n    guilds: [g1]\n"), 0o600))

	table, err := LoadAPIKeyTable(path)
	require.NoError(t, err)

	p, ok := table.Lookup("secret-1")
	require.True(t, ok)
	assert.Equal(t, "ci-bot", p.Name)
	assert.True(t, p.AllowsGuild("g1"))
	assert.False(t, p.AllowsGuild("g2"))

	_, ok = table.Lookup("nope")
	assert.False(t, ok)
}
