package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rosterYAML = `
departments:
  cio:
    name: 투자분석처
    head: cio_manager
    head_model: claude-sonnet-4-5
    keywords: [주식, 종목, 매수, 매도]
    specialists:
      - id: market_condition_specialist
        model: gpt-5-mini
        tools: [kr_stock, kr_stock, dart_api]
      - id: technical_analysis_specialist
        model: claude-haiku-4-5
  cto:
    head: cto_manager
    keywords: [서버, 배포]
`

func TestRosterLoaderLoadsAndMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "departments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterYAML), 0o644))

	l, err := NewRosterLoader(path, "general")
	require.NoError(t, err)
	snap := l.Snapshot()

	cio, ok := snap.Department("CIO")
	require.True(t, ok)
	assert.Equal(t, "투자분석처", cio.Name)
	require.Len(t, cio.Specialists, 2)
	assert.Equal(t, []string{"kr_stock", "dart_api"}, cio.ToolsOf("market_condition_specialist"))

	dept, ok := snap.MatchKeywords("삼성전자 종목 매수 의견 줘")
	require.True(t, ok)
	assert.Equal(t, "cio", dept.ID)

	_, ok = snap.MatchKeywords("오늘 점심 뭐 먹지")
	assert.False(t, ok)

	def := snap.Default()
	assert.Equal(t, "general", def.ID)
	assert.Empty(t, def.Specialists)

	out, err := snap.Export()
	require.NoError(t, err)
	assert.Contains(t, string(out), "cto_manager")
}

func TestRosterLoaderRejectsSpecialistWithoutModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "departments.yaml")
	body := "departments:\n  cio:\n    head: cio_manager\n    specialists:\n      - id: lonely\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := NewRosterLoader(path, "general")
	require.Error(t, err)
}

func TestRosterLoaderRejectsSharedAgentIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "departments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rosterYAML), 0o644))
	l, err := NewRosterLoader(path, "general")
	require.NoError(t, err)
	before := l.Snapshot()

	shared := rosterYAML + `    specialists:
      - id: market_condition_specialist
        model: gpt-5-mini
`
	require.NoError(t, os.WriteFile(path, []byte(shared), 0o644))
	require.NoError(t, l.v.ReadInConfig())
	err = l.reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market_condition_specialist")
	assert.Equal(t, before.Version, l.Snapshot().Version)
	cto, ok := l.Snapshot().Department("cto")
	require.True(t, ok)
	assert.Empty(t, cto.Specialists)

	sharedHead := "departments:\n  a:\n    head: boss\n  b:\n    head: boss\n"
	require.NoError(t, os.WriteFile(path, []byte(sharedHead), 0o644))
	require.NoError(t, l.v.ReadInConfig())
	assert.ErrorContains(t, l.reload(), "head boss")
}
