package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMergesIncludesAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORTHEX_TEST_ANTHROPIC_KEY", "sk-ant-test")
	writeFile(t, dir, "providers.yaml", `
ai:
  providers:
    anthropic:
      enabled: true
      api_url: https://api.anthropic.com
      api_key: ${CORTHEX_TEST_ANTHROPIC_KEY}
      batch: true
      models:
        - name: claude-haiku-4-5
          input_per_m: 1
          output_per_m: 5
`)
	main := writeFile(t, dir, "corthex.yaml", `
include:
  - providers.yaml
app:
  log_level: debug
batch:
  poll_interval: 30s
learning:
  streak_length: 4
trading:
  mode: Simulated
  watchlist: [" aapl ", "005930.ks"]
`)

	cfg, err := Load(main)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Batch.PollInterval)
	assert.Equal(t, 4, cfg.Learning.StreakLength)
	assert.Equal(t, 0.5, cfg.Learning.MaterialityPct)
	assert.Equal(t, 48.0, cfg.Learning.EloKProvisional)
	assert.Equal(t, 10*time.Minute, cfg.Market.PriceTTL)
	assert.Equal(t, "simulated", cfg.Trading.Mode)
	assert.Equal(t, []string{"AAPL", "005930.KS"}, cfg.Trading.Watchlist)
	assert.Equal(t, 50, cfg.Chain.HistoryCap)

	p, ok := cfg.AI.Providers["anthropic"]
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Kind)
	assert.Equal(t, "sk-ant-test", p.APIKey)
	assert.Equal(t, defaultProviderTimeout, p.TimeoutSeconds)
	require.Len(t, p.Models, 1)
	assert.Equal(t, 5.0, p.Models[0].OutputPerM)
}

func TestLoadRejectsInvalidTradingMode(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "corthex.yaml", "trading:\n  mode: yolo\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.mode")
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadReadsSharedIncludeOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "shared.yaml", "app:\n  log_level: warn\n")
	writeFile(t, dir, "b.yaml", "include: [shared.yaml]\nbatch:\n  poll_interval: 45s\n")
	writeFile(t, dir, "c.yaml", "include: [shared.yaml]\napp:\n  log_level: error\n")
	main := writeFile(t, dir, "main.yaml", "include: [b.yaml, c.yaml]\n")

	cfg, err := Load(main)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.App.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.Batch.PollInterval)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, validate(&cfg))
}
