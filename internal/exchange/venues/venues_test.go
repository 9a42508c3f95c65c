package venues

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

func serve(t *testing.T, status int, body string, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func opts(url string) Options {
	return Options{BaseURL: url, Timeout: time.Second, UserAgent: "test"}
}

func TestOKXFetchTicker(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT","last":"51000","open24h":"50000","volCcy24h":"12345.6"}]}`, func(r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "BTC-USDT" {
			t.Errorf("instId 应为 BTC-USDT, 实际 %s", got)
		}
	})

	q, err := NewOKX(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(51000)) {
		t.Fatalf("期望价格 51000, 实际 %s", q.Price)
	}
	if !q.ChangePct.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("期望涨幅 2%%, 实际 %s", q.ChangePct)
	}
}

func TestOKXUnknownInstrument(t *testing.T) {
	srv := serve(t, http.StatusBadRequest, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`, nil)
	_, err := NewOKX(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "NOPE/USDT")
	if !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}

func TestOKXServerError(t *testing.T) {
	srv := serve(t, http.StatusBadGateway, `bad gateway`, nil)
	_, err := NewOKX(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "BTC/USDT")
	if err == nil || errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("502 应返回普通错误, 实际 %v", err)
	}
}

func TestGateFetchTicker(t *testing.T) {
	srv := serve(t, http.StatusOK, `[{"currency_pair":"ETH_USDT","last":"3000.5","change_percentage":"-1.2","quote_volume":"998877"}]`, func(r *http.Request) {
		if got := r.URL.Query().Get("currency_pair"); got != "ETH_USDT" {
			t.Errorf("currency_pair 应为 ETH_USDT, 实际 %s", got)
		}
	})

	q, err := NewGate(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "ETH/USDT")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("3000.5")) {
		t.Fatalf("价格解析错误: %s", q.Price)
	}
	if !q.ChangePct.Equal(decimal.RequireFromString("-1.2")) {
		t.Fatalf("涨跌幅解析错误: %s", q.ChangePct)
	}
}

func TestGateInvalidPair(t *testing.T) {
	srv := serve(t, http.StatusBadRequest, `{"label":"INVALID_CURRENCY_PAIR","message":"Invalid currency pair NOPE_USDT"}`, nil)
	_, err := NewGate(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "NOPE/USDT")
	if !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}

func TestBybitFetchTicker(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"symbol":"SOLUSDT","lastPrice":"150.25","price24hPcnt":"0.0123","turnover24h":"5550000"}]}}`, func(r *http.Request) {
		if r.URL.Query().Get("category") != "spot" || r.URL.Query().Get("symbol") != "SOLUSDT" {
			t.Errorf("请求参数错误: %s", r.URL.RawQuery)
		}
	})

	q, err := NewBybit(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "SOL/USDT")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("150.25")) {
		t.Fatalf("价格解析错误: %s", q.Price)
	}
	if !q.ChangePct.Equal(decimal.RequireFromString("1.23")) {
		t.Fatalf("涨跌幅应换算为百分比, 实际 %s", q.ChangePct)
	}
}

func TestBybitNotSupported(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"retCode":10001,"retMsg":"Not supported symbols","result":{}}`, nil)
	_, err := NewBybit(opts(srv.URL), zerolog.Nop()).FetchTicker(context.Background(), "NOPE/USDT")
	if !errors.Is(err, exchange.ErrUnknownSymbol) {
		t.Fatalf("应返回 ErrUnknownSymbol, 实际 %v", err)
	}
}
