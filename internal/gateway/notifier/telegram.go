package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"corthex/internal/config"

	"github.com/go-resty/resty/v2"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Bot API with up to three retries.
type Telegram struct {
	chatID string
	client *resty.Client
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram: bot_token and chat_id are required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s/bot%s", base, cfg.BotToken)).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})
	return &Telegram{chatID: cfg.ChatID, client: client}, nil
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&out).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram status=%d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// New picks Telegram when enabled, otherwise the log notifier.
func New(cfg config.TelegramConfig) (TextNotifier, error) {
	if !cfg.Enabled {
		return LogNotifier{}, nil
	}
	return NewTelegram(cfg)
}
