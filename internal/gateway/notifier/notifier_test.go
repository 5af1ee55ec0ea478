package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"corthex/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSendsAndRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body["chat_id"])
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(config.TelegramConfig{Enabled: true, BotToken: "TOKEN", ChatID: "42", APIURL: srv.URL})
	require.NoError(t, err)
	tg.client.SetRetryWaitTime(time.Millisecond)
	require.NoError(t, tg.SendText(context.Background(), "hello"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTelegramReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()
	tg, err := NewTelegram(config.TelegramConfig{BotToken: "T", ChatID: "1", APIURL: srv.URL})
	require.NoError(t, err)
	err = tg.SendText(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestNewFallsBackToLog(t *testing.T) {
	n, err := New(config.TelegramConfig{})
	require.NoError(t, err)
	assert.IsType(t, LogNotifier{}, n)
	_, err = New(config.TelegramConfig{Enabled: true})
	assert.Error(t, err)
}

func TestStructuredMessage(t *testing.T) {
	msg := StructuredMessage{
		Icon:     "✅",
		Title:    "Chain completed",
		Sections: []MessageSection{{Title: "Summary", Lines: []string{"dept: cio", "", "cost: $0.12"}}},
		Body:     "report with ```code```",
	}
	out := msg.RenderMarkdown()
	assert.True(t, strings.HasPrefix(out, "✅ Chain completed"))
	assert.Contains(t, out, "- dept: cio\n- cost: $0.12")
	assert.Contains(t, out, "'''code'''")

	long := StructuredMessage{Body: strings.Repeat("가", 3000)}.RenderMarkdown()
	assert.LessOrEqual(t, len(long), maxStructuredMessageLen+3)
}
