package trading

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"corthex/internal/config"
	"corthex/internal/learning"
	"corthex/internal/quant"
	"corthex/internal/store/gormstore"
	"corthex/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestParseExecutionMode(t *testing.T) {
	for in, want := range map[string]ExecutionMode{"": Paper, "PAPER": Paper, "live": Live, "simulated": Simulated, "mock": Simulated} {
		got, err := ParseExecutionMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseExecutionMode("yolo")
	assert.Error(t, err)

	var m ExecutionMode
	require.NoError(t, m.UnmarshalText([]byte("live")))
	assert.Equal(t, "live", m.String())
}

func TestJSONSignalParser(t *testing.T) {
	p, err := NewJSONSignalParser()
	require.NoError(t, err)

	out, err := p.Parse("Summary...\n```json\n{\"signals\":[{\"ticker\":\"005930\",\"direction\":\"buy\",\"confidence\":72,\"target_price\":81000}]}\n```")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, model.DirectionBuy, out[0].Direction)
	assert.Equal(t, 72.0, out[0].Confidence)
	assert.False(t, out[0].Legacy)

	out, err = p.Parse(`{"ticker":"AAPL","direction":"SELL","confidence":60,"justification":"earnings miss"}`)
	require.NoError(t, err)
	assert.Equal(t, "earnings miss", out[0].Justification)

	_, err = p.Parse(`{"signals":[{"ticker":"AAPL","direction":"SHORT","confidence":60}]}`)
	assert.Error(t, err)
	_, err = p.Parse(`{"signals":[{"ticker":"AAPL","direction":"BUY","confidence":160}]}`)
	assert.Error(t, err)
	_, err = p.Parse("no json here")
	assert.ErrorIs(t, err, ErrNoSignal)
}

func TestLegacyFallback(t *testing.T) {
	p, err := NewSignalParser()
	require.NoError(t, err)
	out, err := p.Parse("결론입니다.\n[시그널] 005930 | 매수 | 75%\n[시그널] 000660 | 관망 | 50%\n[signal] TSLA | SELL | 61.5")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, Signal{Ticker: "005930", Direction: model.DirectionBuy, Confidence: 75, Legacy: true}, out[0])
	assert.Equal(t, model.DirectionHold, out[1].Direction)
	assert.Equal(t, 61.5, out[2].Confidence)

	_, err = p.Parse("nothing to see")
	assert.ErrorIs(t, err, ErrNoSignal)
}

type mockAnchor struct{ mock.Mock }

func (m *mockAnchor) Compute(ctx context.Context, ticker string) (quant.Score, error) {
	args := m.Called(ctx, ticker)
	return args.Get(0).(quant.Score), args.Error(1)
}

type fixedFactor float64

func (f fixedFactor) Factor(context.Context) (learning.FactorReport, error) {
	return learning.FactorReport{Factor: float64(f)}, nil
}

type fixedPrice map[string]float64

func (p fixedPrice) GetPrice(_ context.Context, ticker string) (float64, error) {
	px, ok := p[ticker]
	if !ok {
		return 0, errors.New("no quote")
	}
	return px, nil
}

type countingExecutor struct{ orders []Order }

func (c *countingExecutor) Execute(_ context.Context, o Order) error {
	c.orders = append(c.orders, o)
	return nil
}

func newRecorder(t *testing.T, factor float64, anchor AnchorSource, opts Options) (*Recorder, *gormstore.GormStore, *countingExecutor) {
	t.Helper()
	s, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	parser, err := NewSignalParser()
	require.NoError(t, err)
	exec := &countingExecutor{}
	r := NewRecorder(s, parser, fixedFactor(factor), anchor, fixedPrice{"005930": 70000, "AAPL": 200}, exec, opts)
	return r, s, exec
}

func TestRecorderAnchorsFactorsAndExecutes(t *testing.T) {
	ctx := context.Background()
	anchor := &mockAnchor{}
	anchor.On("Compute", mock.Anything, "005930").Return(quant.Score{Confidence: 50}, nil)
	anchor.On("Compute", mock.Anything, "AAPL").Return(quant.Score{Confidence: 50}, nil)
	r, s, exec := newRecorder(t, 1.2, anchor, Options{Mode: Paper, AutoExecute: true, MinConfidence: 65, AnchorTolerance: 20})

	report := `{"signals":[
	  {"ticker":"005930","direction":"BUY","confidence":90},
	  {"ticker":"AAPL","direction":"SELL","confidence":90,"justification":"guidance cut"},
	  {"ticker":"MSFT","direction":"HOLD","confidence":50}]}`
	out, err := r.Record(ctx, RecordInput{
		ChainID: "chain_1", TaskID: "task_1", Report: report,
		Specialists: []SpecialistReport{
			{AgentID: "tech", Content: "[시그널] 005930 | 매수 | 70%", Tools: []string{"chart"}},
			{AgentID: "risk", Content: "no view"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	// 90 clamped to 70 by the anchor, then x1.2
	assert.True(t, out[0].Anchored)
	assert.InDelta(t, 84, out[0].Confidence, 1e-9)
	assert.True(t, out[0].Execute)
	// justified calls keep their confidence; x1.2 caps at 100
	assert.False(t, out[1].Anchored)
	assert.InDelta(t, 100, out[1].Confidence, 1e-9)
	assert.NotEmpty(t, out[2].Skipped)
	assert.Len(t, exec.orders, 2)

	p, err := s.GetPrediction(ctx, out[0].PredictionID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, p.RawConfidence)
	assert.Equal(t, 70000.0, p.PredictedPrice)
	assert.True(t, p.Executed)

	contribs, err := s.ListContributions(ctx, out[0].PredictionID)
	require.NoError(t, err)
	require.Len(t, contribs, 2)
	assert.Equal(t, model.DirectionBuy, contribs[0].Recommendation)
	assert.Equal(t, []string{"chart"}, []string(contribs[0].ToolsUsed))
	assert.Equal(t, model.DirectionHold, contribs[1].Recommendation)
}

func TestRecorderFactorGatesExecution(t *testing.T) {
	r, _, exec := newRecorder(t, 0.5, nil, Options{AutoExecute: true, MinConfidence: 65})
	out, err := r.Record(context.Background(), RecordInput{Report: `{"signals":[{"ticker":"AAPL","direction":"BUY","confidence":80}]}`})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 40, out[0].Confidence, 1e-9)
	assert.False(t, out[0].Execute)
	assert.Empty(t, exec.orders)
}

func TestRecorderWithoutAutoExecuteOnlyRecords(t *testing.T) {
	r, _, exec := newRecorder(t, 1, nil, Options{AutoExecute: false, MinConfidence: 10})
	out, err := r.Record(context.Background(), RecordInput{Report: "[시그널] AAPL | BUY | 80%"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].PredictionID)
	assert.False(t, out[0].Execute)
	assert.Empty(t, exec.orders)

	none, err := r.Record(context.Background(), RecordInput{Report: "just prose"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCloseVerified(t *testing.T) {
	ctx := context.Background()
	r, s, _ := newRecorder(t, 1, nil, Options{AutoExecute: true})
	px, ok, ret := 210.0, true, 5.0
	require.NoError(t, s.SavePrediction(ctx, &model.Prediction{
		ID: "p1", Ticker: "AAPL", Direction: model.DirectionBuy, Confidence: 70, PredictedPrice: 200,
		Executed: true, ActualPrice7d: &px, Correct7d: &ok, ReturnPct7d: &ret,
	}))
	require.NoError(t, s.SavePrediction(ctx, &model.Prediction{
		ID: "p2", Ticker: "AAPL", Direction: model.DirectionBuy, Confidence: 70, PredictedPrice: 200,
		ActualPrice7d: &px, Correct7d: &ok, ReturnPct7d: &ret,
	}))

	n, err := r.CloseVerified(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.CloseVerified(ctx)
	require.NoError(t, err)

	trades, err := s.RecentClosedTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Win)
	assert.Equal(t, 5.0, trades[0].PnLPct)
}

func TestSelfCalibrationSettlesOnStatedConfidence(t *testing.T) {
	ctx := context.Background()
	s, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "selfcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	parser, err := NewSignalParser()
	require.NoError(t, err)
	selfcal := learning.NewSelfCalibration(s, config.TradingConfig{
		CalibrationWindow: 20, CalibrationMinTrades: 5, FactorMin: 0.5, FactorMax: 1.5,
	})
	r := NewRecorder(s, parser, selfcal, nil, fixedPrice{"AAPL": 200}, &countingExecutor{}, Options{AutoExecute: true})

	closedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// ten BUY calls stated at 80, four of which win
	cycle := func(wantConfidence float64) {
		for i := 0; i < 10; i++ {
			out, err := r.Record(ctx, RecordInput{Report: `{"signals":[{"ticker":"AAPL","direction":"BUY","confidence":80}]}`})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.InDelta(t, wantConfidence, out[0].Confidence, 1e-9)

			p, err := s.GetPrediction(ctx, out[0].PredictionID)
			require.NoError(t, err)
			win := i < 4
			exit, ret := 190.0, -5.0
			if win {
				exit, ret = 210.0, 5.0
			}
			closedAt = closedAt.Add(time.Hour)
			at := closedAt
			p.ActualPrice7d, p.Correct7d, p.ReturnPct7d, p.VerifiedAt = &exit, &win, &ret, &at
			require.NoError(t, s.SavePrediction(ctx, &p))
		}
		_, err := r.CloseVerified(ctx)
		require.NoError(t, err)
	}

	cycle(80)
	rep, err := selfcal.Factor(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.Factor, 1e-9)

	cycle(40)
	rep, err = selfcal.Factor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Trades)
	assert.InDelta(t, 80, rep.AvgConfidence, 1e-9)
	assert.InDelta(t, 0.5, rep.Factor, 1e-9)
}
