package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"corthex/internal/chain"
	"corthex/internal/config"
	"corthex/internal/gateway/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoster = `
departments:
  finance:
    head: cfo
    head_model: claude-sonnet-4
    keywords: [stock]
    specialists:
      - id: fin_analyst
        model: gpt-4o
        tools: [dart]
`

type offlineFeed struct{}

func (offlineFeed) GetPrice(context.Context, string) (float64, error)   { return 0, market.ErrNoData }
func (offlineFeed) FreshPrice(context.Context, string) (float64, error) { return 0, market.ErrNoData }
func (offlineFeed) GetHistorical(context.Context, string, int) ([]market.Candle, error) {
	return nil, market.ErrNoData
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	roster := filepath.Join(dir, "departments.yaml")
	require.NoError(t, os.WriteFile(roster, []byte(testRoster), 0o644))

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "corthex.db")
	cfg.Store.ArchivePath = filepath.Join(dir, "archive.db")
	cfg.Chain.DepartmentsPath = roster
	cfg.App.HTTPAddr = "127.0.0.1:0"
	return &cfg
}

func buildTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewAppBuilder(testConfig(t), WithPriceFeed(offlineFeed{})).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBuildWiresEveryComponent(t *testing.T) {
	a := buildTestApp(t)
	assert.NotNil(t, a.chains)
	assert.NotNil(t, a.poller)
	assert.NotNil(t, a.http)
	require.NotNil(t, a.Summary)
	assert.Empty(t, a.Summary.Providers)
	require.Len(t, a.Summary.Departments, 2)
	assert.Equal(t, "finance", a.Summary.Departments[0].ID)
	assert.True(t, a.Summary.Departments[1].Default)
}

func TestRunChainWithoutProvidersUsesDefaultHandler(t *testing.T) {
	a := buildTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := a.RunChain(ctx, "what's on the agenda today", chain.StartOptions{})
	require.NoError(t, err)
	assert.True(t, c.Delivered)
	assert.Equal(t, chain.StatusCompleted, c.Status)
	assert.Equal(t, "default handler", c.Label)

	rep, err := a.archive.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, rep.ChainID)
}

func TestVerifyWithNothingDue(t *testing.T) {
	a := buildTestApp(t)
	res, err := a.Verify(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Filled3d)
	assert.Zero(t, res.Filled7d)
	assert.Zero(t, res.ClosedTrades)
}

func TestQuantReportsFeedErrors(t *testing.T) {
	a := buildTestApp(t)
	_, err := a.Quant(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, market.ErrNoData))
}

func TestCloseIsIdempotent(t *testing.T) {
	a := buildTestApp(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
