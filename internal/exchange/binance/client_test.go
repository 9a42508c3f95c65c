package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spread-alerts/internal/exchange"
)

func TestFetchTickerSuccess(t *testing.T) {
	var gotSymbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","priceChangePercent":"1.50","lastPrice":"50123.45","quoteVolume":"987654321.12"}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	q, err := c.FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if gotSymbol != "BTCUSDT" {
		t.Fatalf("应请求 BTCUSDT, 实际 %s", gotSymbol)
	}
	if !q.Price.Equal(decimal.RequireFromString("50123.45")) {
		t.Fatalf("价格解析错误: %s", q.Price)
	}
	if !q.ChangePct.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("涨跌幅解析错误: %s", q.ChangePct)
	}
}

func TestFetchTickerInvalidSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := c.FetchTicker(context.Background(), "NOPE/USDT")
	if !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("无效交易对应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}

func TestFetchTickerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := c.FetchTicker(context.Background(), "BTC/USDT")
	if err == nil || errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("服务端错误应返回普通错误, 实际 %v", err)
	}
}
