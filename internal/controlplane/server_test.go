package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/exchangetest"
	"github.com/betbot/makerkit/internal/marketmaker"
	"github.com/betbot/makerkit/internal/metrics"
	"github.com/betbot/makerkit/pkg/delay"
)

type fixture struct {
	srv    *httptest.Server
	engine *marketmaker.Engine
	ex     *exchangetest.Exchange
	logs   *LogBuffer
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	ex := exchangetest.New()
	ex.SetTicker("99", "101")
	m := metrics.New()
	e, err := marketmaker.New(marketmaker.Config{
		Symbol:    "tPNKUSD",
		Center:    "100",
		Levels:    2,
		SpreadPct: decimal.NewFromInt(1),
		OrderSize: decimal.NewFromInt(1),
		TestOnly:  true,
	}, ex, marketmaker.WithMetrics(m), marketmaker.WithDelays(delay.Instant()))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	logs := NewLogBuffer(10)
	srv := httptest.NewServer(New(Config{Token: token}, e, m, logs).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: e, ex: ex, logs: logs}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestHealthAndOrders(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(4), body["orders"])

	code, body = f.do(t, http.MethodGet, "/orders", "", "")
	assert.Equal(t, http.StatusOK, code)
	orders := body["orders"].([]any)
	require.Len(t, orders, 4)
	first := orders[0].(map[string]any)
	assert.Equal(t, "buy", first["side"])
	assert.Equal(t, "98", first["price"])
	assert.Equal(t, false, first["placeholder"])
}

func TestMarket(t *testing.T) {
	f := newFixture(t, "")
	code, body := f.do(t, http.MethodGet, "/market", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100", body["mid"])
	assert.Equal(t, "2", body["spread"])

	f.ex.ErrorOnNext["Ticker"] = errors.New("exchange down")
	code, _ = f.do(t, http.MethodGet, "/market", "", "")
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestRecenter(t *testing.T) {
	f := newFixture(t, "")

	code, _ := f.do(t, http.MethodPost, "/recenter", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/recenter", `{"center":"abc"}`, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPost, "/recenter", `{"center":"100.5"}`, "")
	require.Equal(t, http.StatusOK, code)
	placement := body["placement"].(map[string]any)
	assert.Equal(t, float64(4), placement["placed"])
	assert.True(t, f.engine.Snapshot().Center.Equal(decimal.RequireFromString("100.5")))
}

func TestTokenRequiredForWrites(t *testing.T) {
	f := newFixture(t, "s3cret")

	code, _ := f.do(t, http.MethodPost, "/recenter", `{"center":"100"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodPost, "/recenter", `{"center":"100"}`, "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = f.do(t, http.MethodGet, "/orders", "", "")
	assert.Equal(t, http.StatusOK, code, "读接口不需要 token")

	code, _ = f.do(t, http.MethodPost, "/recenter", `{"center":"100"}`, "s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestAmendEndpoint(t *testing.T) {
	f := newFixture(t, "")
	orders := f.engine.Ledger().All()
	id := strconv.FormatInt(orders[0].ID.Value(), 10)

	code, body := f.do(t, http.MethodPost, "/orders/"+id+"/amend", `{"price":"97.5"}`, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "direct", body["method"])
	assert.Equal(t, id, body["id"])

	code, _ = f.do(t, http.MethodPost, "/orders/"+id+"/amend", `{"amount":"2","delta":"1"}`, "")
	assert.Equal(t, http.StatusBadRequest, code, "amount 和 delta 互斥")

	code, _ = f.do(t, http.MethodPost, "/orders/abc/amend", `{"price":"1"}`, "")
	assert.Equal(t, http.StatusBadRequest, code)

	// 两种原地改单都失败且不允许撤单重建
	f.ex.UpdateUnsupported = true
	f.ex.FailNext("AmendOrder", errors.New("stream down"))
	code, body = f.do(t, http.MethodPost, "/orders/"+id+"/amend", `{"price":"97"}`, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["original_cancelled"])
	assert.NotEmpty(t, body["recommendation"])
}

func TestMetricsAndLogs(t *testing.T) {
	f := newFixture(t, "")
	f.logs.Sink(logrus.InfoLevel, "[market_maker] hello")

	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), `makerkit_orders_submitted_total{result="ok",side="buy"} 2`)

	code, body := f.do(t, http.MethodGet, "/logs?tail=5", "", "")
	assert.Equal(t, http.StatusOK, code)
	lines := body["lines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "[market_maker] hello", lines[0].(map[string]any)["line"])
}

func TestLogBufferWraps(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Sink(logrus.InfoLevel, strconv.Itoa(i))
	}
	tail := b.Tail(0)
	require.Len(t, tail, 3)
	assert.Equal(t, "2", tail[0].Line)
	assert.Equal(t, "4", tail[2].Line)
	assert.Len(t, b.Tail(2), 2)
}
