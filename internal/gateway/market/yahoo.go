package market

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"golang.org/x/time/rate"
)

// YahooFeed reads quotes and daily bars from Yahoo Finance.
type YahooFeed struct {
	limiter *rate.Limiter
	nowFn   func() time.Time
}

func NewYahooFeed(rps float64) *YahooFeed {
	if rps <= 0 {
		rps = 2
	}
	return &YahooFeed{limiter: rate.NewLimiter(rate.Limit(rps), 1), nowFn: time.Now}
}

func (y *YahooFeed) GetPrice(ctx context.Context, ticker string) (float64, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	symbol := NormalizeTicker(ticker)
	q, err := quote.Get(symbol)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if q == nil || q.RegularMarketPrice <= 0 {
		return 0, fmt.Errorf("quote %s: %w", symbol, ErrNoData)
	}
	return q.RegularMarketPrice, nil
}

func (y *YahooFeed) GetHistorical(ctx context.Context, ticker string, days int) ([]Candle, error) {
	if days <= 0 {
		days = 120
	}
	if err := y.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	symbol := NormalizeTicker(ticker)
	end := y.nowFn()
	// calendar days, padded so `days` trading sessions are usually covered
	start := end.AddDate(0, 0, -(days*7/5 + 7))
	iter := chart.Get(&chart.Params{
		Symbol:   symbol,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: datetime.OneDay,
	})
	out := make([]Candle, 0, days)
	for iter.Next() {
		bar := iter.Bar()
		out = append(out, Candle{
			Time:   time.Unix(int64(bar.Timestamp), 0),
			Open:   bar.Open.InexactFloat64(),
			High:   bar.High.InexactFloat64(),
			Low:    bar.Low.InexactFloat64(),
			Close:  bar.Close.InexactFloat64(),
			Volume: float64(bar.Volume),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("chart %s: %w", symbol, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chart %s: %w", symbol, ErrNoData)
	}
	if len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

func (y *YahooFeed) GetFundamentals(ctx context.Context, ticker string) (Fundamentals, error) {
	if err := y.limiter.Wait(ctx); err != nil {
		return Fundamentals{}, err
	}
	symbol := NormalizeTicker(ticker)
	q, err := quote.Get(symbol)
	if err != nil {
		return Fundamentals{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if q == nil {
		return Fundamentals{}, fmt.Errorf("quote %s: %w", symbol, ErrNoData)
	}
	return Fundamentals{
		Ticker:           symbol,
		Name:             q.ShortName,
		Price:            q.RegularMarketPrice,
		ChangePct:        q.RegularMarketChangePercent,
		FiftyTwoWeekHigh: q.FiftyTwoWeekHigh,
		FiftyTwoWeekLow:  q.FiftyTwoWeekLow,
		FiftyDayAvg:      q.FiftyDayAverage,
		TwoHundredDayAvg: q.TwoHundredDayAverage,
	}, nil
}
