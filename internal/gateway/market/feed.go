package market

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var ErrNoData = errors.New("market: no data")

// Candle is one daily OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Fundamentals is the slow-moving quote context handed to prompts.
type Fundamentals struct {
	Ticker           string  `json:"ticker"`
	Name             string  `json:"name"`
	Price            float64 `json:"price"`
	ChangePct        float64 `json:"change_pct"`
	FiftyTwoWeekHigh float64 `json:"fifty_two_week_high"`
	FiftyTwoWeekLow  float64 `json:"fifty_two_week_low"`
	FiftyDayAvg      float64 `json:"fifty_day_avg"`
	TwoHundredDayAvg float64 `json:"two_hundred_day_avg"`
}

type PriceFeed interface {
	GetPrice(ctx context.Context, ticker string) (float64, error)
	GetHistorical(ctx context.Context, ticker string, days int) ([]Candle, error)
}

type FundamentalsFeed interface {
	GetFundamentals(ctx context.Context, ticker string) (Fundamentals, error)
}

var krxCode = regexp.MustCompile(`^\d{6}$`)

// NormalizeTicker upper-cases the symbol and maps bare six digit KRX codes
// to their Yahoo suffix.
func NormalizeTicker(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if krxCode.MatchString(t) {
		return t + ".KS"
	}
	return t
}
