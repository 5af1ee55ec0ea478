package visual

import (
	"testing"

	"corthex/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderLearningIncludesEveryChart(t *testing.T) {
	html, err := RenderLearningHTML(LearningInput{
		Buckets: []model.CalibrationBucket{
			{Bucket: "70-80", Lower: 70, TotalCount: 10, CorrectCount: 7, ActualRate: 0.6667, CILower: 0.41, CIUpper: 0.92},
			{Bucket: "50-60", Lower: 50, TotalCount: 4, CorrectCount: 2, ActualRate: 0.5, CILower: 0.15, CIUpper: 0.85},
		},
		Elo:   []model.AnalystElo{{AgentID: "fin_analyst", EloRating: 1532.4, TotalPredictions: 3, CorrectPredictions: 2}},
		Tools: []model.ToolEffectiveness{{ToolName: "dart", TotalUses: 5, EffScore: 0.6}},
	})
	require.NoError(t, err)
	out := string(html)
	assert.Contains(t, out, "Reliability")
	assert.Contains(t, out, "Analyst ELO")
	assert.Contains(t, out, "Tool effectiveness")
	assert.Contains(t, out, "fin_analyst")
}

func TestRenderLearningEmpty(t *testing.T) {
	html, err := RenderLearningHTML(LearningInput{})
	require.NoError(t, err)
	assert.Contains(t, string(html), "Reliability")
	assert.NotContains(t, string(html), "Analyst ELO")
}

func TestRound(t *testing.T) {
	assert.Equal(t, 66.7, round(66.666, 1))
	assert.Equal(t, 2.0, round(1.5, 0))
}
