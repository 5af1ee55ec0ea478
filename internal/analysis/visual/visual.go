package visual

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"

	"corthex/internal/store/model"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorActual        = "#34d399"
	colorIdeal         = "#fbbf24"
	colorCI            = "#60a5fa"
	colorElo           = "#a78bfa"

	chartWidthPx  = 1100
	chartHeightPx = 420
)

// LearningInput is everything the learning dashboard draws.
type LearningInput struct {
	Buckets []model.CalibrationBucket
	Elo     []model.AnalystElo
	Tools   []model.ToolEffectiveness
}

// RenderLearning writes an HTML page with the reliability diagram, the ELO
// table and tool scores.
func RenderLearning(w io.Writer, in LearningInput) error {
	page := components.NewPage()
	page.PageTitle = "Confidence calibration"
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(calibrationChart(in.Buckets))
	if len(in.Elo) > 0 {
		page.AddCharts(eloChart(in.Elo))
	}
	if len(in.Tools) > 0 {
		page.AddCharts(toolChart(in.Tools))
	}
	return page.Render(w)
}

// RenderLearningHTML is RenderLearning into a byte slice.
func RenderLearningHTML(in LearningInput) ([]byte, error) {
	var buf bytes.Buffer
	if err := RenderLearning(&buf, in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func initOpts() opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
}

func titleOpts(title, subtitle string) opts.Title {
	return opts.Title{
		Title:         title,
		Subtitle:      subtitle,
		Left:          "left",
		TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
	}
}

// calibrationChart plots realized hit rate per stated-confidence bucket
// against the diagonal a calibrated forecaster would follow.
func calibrationChart(buckets []model.CalibrationBucket) *charts.Bar {
	sorted := append([]model.CalibrationBucket(nil), buckets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })

	labels := make([]string, 0, len(sorted))
	actual := make([]opts.BarData, 0, len(sorted))
	ideal := make([]opts.LineData, 0, len(sorted))
	lower := make([]opts.LineData, 0, len(sorted))
	upper := make([]opts.LineData, 0, len(sorted))
	samples := 0
	for _, b := range sorted {
		labels = append(labels, b.Bucket+"%")
		actual = append(actual, opts.BarData{
			Name:  fmt.Sprintf("n=%d", b.TotalCount),
			Value: round(b.ActualRate*100, 1),
		})
		ideal = append(ideal, opts.LineData{Value: float64(b.Lower) + 5})
		lower = append(lower, opts.LineData{Value: round(b.CILower*100, 1)})
		upper = append(upper, opts.LineData{Value: round(b.CIUpper*100, 1)})
		samples += b.TotalCount
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(titleOpts("Reliability", fmt.Sprintf("%d verified predictions, Beta(1,1) posterior", samples))),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "30", TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Name:      "stated confidence",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:      "hit rate %",
			Min:       0,
			Max:       100,
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	bar.SetXAxis(labels).
		AddSeries("realized", actual, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorActual}))

	line := charts.NewLine()
	line.SetXAxis(labels).
		AddSeries("calibrated", ideal, charts.WithLineStyleOpts(opts.LineStyle{Color: colorIdeal, Width: 2, Type: "dashed"})).
		AddSeries("95% CI low", lower, charts.WithLineStyleOpts(opts.LineStyle{Color: colorCI, Width: 1})).
		AddSeries("95% CI high", upper, charts.WithLineStyleOpts(opts.LineStyle{Color: colorCI, Width: 1}))
	bar.Overlap(line)
	return bar
}

func eloChart(rows []model.AnalystElo) *charts.Bar {
	sorted := append([]model.AnalystElo(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EloRating > sorted[j].EloRating })
	labels := make([]string, 0, len(sorted))
	data := make([]opts.BarData, 0, len(sorted))
	for _, r := range sorted {
		labels = append(labels, r.AgentID)
		data = append(data, opts.BarData{
			Name:  fmt.Sprintf("%d/%d", r.CorrectPredictions, r.TotalPredictions),
			Value: round(r.EloRating, 1),
		})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(titleOpts("Analyst ELO", "rated against the field average")),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	bar.SetXAxis(labels).AddSeries("elo", data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorElo}))
	return bar
}

func toolChart(rows []model.ToolEffectiveness) *charts.Bar {
	sorted := append([]model.ToolEffectiveness(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EffScore > sorted[j].EffScore })
	labels := make([]string, 0, len(sorted))
	data := make([]opts.BarData, 0, len(sorted))
	for _, t := range sorted {
		labels = append(labels, t.ToolName)
		data = append(data, opts.BarData{Name: fmt.Sprintf("n=%d", t.TotalUses), Value: round(t.EffScore*100, 1)})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts()),
		charts.WithTitleOpts(titleOpts("Tool effectiveness", "share of uses on correct predictions")),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100, AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	bar.SetXAxis(labels).AddSeries("effectiveness %", data, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorActual}))
	return bar
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}
