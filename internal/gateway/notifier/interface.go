package notifier

import (
	"context"

	"corthex/internal/logger"
)

// TextNotifier is the outbound text channel for delivered reports and
// failures.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// LogNotifier writes messages to the process log only.
type LogNotifier struct{}

func (LogNotifier) SendText(_ context.Context, text string) error {
	logger.Named("notify").Infof("%s", text)
	return nil
}
