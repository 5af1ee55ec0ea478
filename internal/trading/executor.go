package trading

import (
	"context"

	"corthex/internal/logger"
	"corthex/internal/store/model"
)

var log = logger.Named("trading")

type Order struct {
	PredictionID string          `json:"prediction_id"`
	Ticker       string          `json:"ticker"`
	Direction    model.Direction `json:"direction"`
	Confidence   float64         `json:"confidence"`
	Price        float64         `json:"price"`
	Mode         ExecutionMode   `json:"mode"`
}

// OrderExecutor hands an approved order to a venue.
type OrderExecutor interface {
	Execute(ctx context.Context, o Order) error
}

// LogExecutor records the order and goes no further. Broker wiring plugs in
// behind OrderExecutor.
type LogExecutor struct{}

func (LogExecutor) Execute(_ context.Context, o Order) error {
	log.Infof("order [%s] %s %s conf=%.1f price=%.2f prediction=%s",
		o.Mode, o.Direction, o.Ticker, o.Confidence, o.Price, o.PredictionID)
	return nil
}
