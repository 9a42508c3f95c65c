package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/queue"
)

func testJob() queue.Job {
	return queue.Job{
		ID:           "job-1",
		UserID:       "u1",
		Handle:       "chat",
		Symbol:       "BTC",
		SpreadPct:    decimal.RequireFromString("2.5"),
		BuyExchange:  "binance",
		BuyPrice:     decimal.NewFromInt(50000),
		SellExchange: "okx",
		SellPrice:    decimal.NewFromInt(51250),
		Profit:       decimal.NewFromInt(1250),
		Priority:     queue.PriorityNormal,
		EnqueuedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Send(context.Background(), testJob()); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 应取自 handle: %#v", received)
	}
	if !strings.Contains(received["text"], "BTC") {
		t.Fatalf("text 应包含币种: %q", received["text"])
	}
	if _, ok := received["parse_mode"]; ok {
		t.Fatalf("未配置时不应发送 parse_mode")
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Send(context.Background(), testJob()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Too Many Requests: retry after 3"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	err := notifier.Send(context.Background(), testJob())
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "retry after") {
		t.Fatalf("应返回带描述的状态码错误, 实际 %v", err)
	}
}

func TestTelegramNotifierRequiresHandle(t *testing.T) {
	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", BaseURL: "http://127.0.0.1:0"}, testLogger())
	job := testJob()
	job.Handle = " "
	if err := notifier.Send(context.Background(), job); !errors.Is(err, ErrNoHandle) {
		t.Fatalf("缺少 handle 应返回 ErrNoHandle, 实际 %v", err)
	}
}

func TestRenderMessage(t *testing.T) {
	job := testJob()
	msg := RenderMessage(job)
	for _, want := range []string{"[Spread Alert] BTC", "Spread: 2.50%", "Buy: binance @ 50000", "Sell: okx @ 51250", "Profit per unit: 1250", "2024-05-01T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "HIGH") {
		t.Fatalf("普通优先级不应标记 HIGH")
	}

	job.Priority = queue.PriorityHigh
	if !strings.Contains(RenderMessage(job), "Priority: HIGH") {
		t.Fatalf("高优先级应标记 HIGH")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := NewLogNotifier(testLogger()).Send(context.Background(), queue.Job{}); err != nil {
		t.Fatalf("LogNotifier 不应报错: %v", err)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
