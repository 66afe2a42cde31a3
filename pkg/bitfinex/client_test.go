package bitfinex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/ledger"
)

type recordedRequest struct {
	Path    string
	Nonce   string
	APIKey  string
	Sig     string
	Payload map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	// responder 按路径返回 (status, body)
	responder func(path string) (int, string)
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if len(body) > 0 {
			require.NoError(t, json.Unmarshal(body, &payload))
		}
		rec := recordedRequest{
			Path:    r.URL.Path,
			Nonce:   r.Header.Get("bfx-nonce"),
			APIKey:  r.Header.Get("bfx-apikey"),
			Sig:     r.Header.Get("bfx-signature"),
			Payload: payload,
		}
		if rec.Sig != "" {
			// 服务端按同样规则校验签名
			assert.Equal(t, sign("secret", r.URL.Path[1:], rec.Nonce, body), rec.Sig)
		}
		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()

		status, out := f.responder(r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(out))
	})
}

func (f *fakeAPI) count() int {
	return len(f.all())
}

func (f *fakeAPI) all() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, responder func(path string) (int, string)) (*Client, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{responder: responder}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c := New(Config{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		PublicURL: srv.URL,
		Timeout:   2 * time.Second,
	})
	return c, api
}

const submitOK = `[1700000000000,"on-req",null,null,[[45678901,null,1700000000001,"tPNKUSD",1700000000000,1700000000000,-10,-10,"EXCHANGE LIMIT",null,null,null,4096,"ACTIVE",null,null,0.105,0,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]],null,"SUCCESS","Submitting 1 orders."]`

func TestSubmitOrderSignsAndParses(t *testing.T) {
	c, api := newTestClient(t, func(string) (int, string) { return 200, submitOK })

	ack, err := c.SubmitOrder(context.Background(), "tPNKUSD", domain.SideSell, decimal.NewFromInt(10), decimal.RequireFromString("0.105"))
	require.NoError(t, err)

	reqs := api.all()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "/auth/w/order/submit", req.Path)
	assert.Equal(t, "key", req.APIKey)
	assert.Equal(t, "EXCHANGE LIMIT", req.Payload["type"])
	assert.Equal(t, "-10", req.Payload["amount"], "卖单数量为负")
	assert.Equal(t, "0.105", req.Payload["price"])
	assert.Equal(t, float64(4096), req.Payload["flags"])

	id, ok := ledger.Resolve(ack, ledger.DefaultExtractors())
	require.True(t, ok)
	assert.Equal(t, int64(45678901), id.Value())
}

func TestSubmitOrderRefusesMarketOrders(t *testing.T) {
	c, api := newTestClient(t, func(string) (int, string) { return 200, submitOK })

	_, err := c.SubmitOrder(context.Background(), "tPNKUSD", domain.SideBuy, decimal.NewFromInt(10), decimal.Zero)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Zero(t, api.count())
}

func TestSubmitOrderErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wouldHave bool
		nonce     bool
	}{
		{"would match", 200, `[1,"on-req",null,null,[],null,"ERROR","Invalid order: would have matched"]`, true, false},
		{"nonce", 500, `["error",10114,"nonce: small"]`, false, true},
		{"plain failure", 500, `["error",10001,"insufficient balance"]`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, api := newTestClient(t, func(string) (int, string) { return tt.status, tt.body })
			_, err := c.SubmitOrder(context.Background(), "tPNKUSD", domain.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1))
			require.Error(t, err)
			assert.Equal(t, tt.wouldHave, domain.IsWouldMatch(err))
			assert.Equal(t, tt.nonce, domain.IsNonce(err))
			assert.Equal(t, 1, api.count(), "鉴权写接口不重试")
		})
	}
}

func TestNonceIsMonotonic(t *testing.T) {
	c := New(Config{})
	fixed := time.Unix(1700000000, 0)
	c.now = func() time.Time { return fixed }
	a := c.nextNonce()
	b := c.nextNonce()
	assert.Less(t, a, b)
}

func TestActiveOrders(t *testing.T) {
	body := `[[45678901,null,1,"tPNKUSD",0,0,10,10,"EXCHANGE LIMIT",null,null,null,4096,"ACTIVE",null,null,0.099,0],
[45678902,null,2,"tPNKUSD",0,0,-4,-10,"EXCHANGE LIMIT",null,null,null,4096,"PARTIALLY FILLED @ 0.101(-6.0)",null,null,0.101,0.101]]`
	c, api := newTestClient(t, func(string) (int, string) { return 200, body })

	orders, err := c.ActiveOrders(context.Background(), "tPNKUSD")
	require.NoError(t, err)
	assert.Equal(t, "/auth/r/orders/tPNKUSD", api.all()[0].Path)
	require.Len(t, orders, 2)
	assert.Equal(t, int64(45678901), orders[0].ID)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(decimal.RequireFromString("0.099")))
	assert.Equal(t, domain.SideSell, orders[1].Side)
	assert.True(t, orders[1].Amount.Equal(decimal.NewFromInt(4)))
	assert.True(t, orders[1].OriginalAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 4096, orders[1].Flags)
}

func TestCancelOrdersAndUpdate(t *testing.T) {
	ok := `[1,"oc_multi-req",null,null,[],null,"SUCCESS","ok"]`
	c, api := newTestClient(t, func(string) (int, string) { return 200, ok })
	ctx := context.Background()

	require.NoError(t, c.CancelOrders(ctx, nil), "空列表不发请求")
	assert.Zero(t, api.count())

	require.NoError(t, c.CancelOrders(ctx, []int64{45678901, 45678902}))
	require.NoError(t, c.CancelOrder(ctx, 45678903))
	require.NoError(t, c.UpdateOrder(ctx, domain.OrderUpdate{ID: 45678901, Side: domain.SideSell, Price: decimal.NewFromInt(2), Amount: decimal.NewFromInt(5)}))

	reqs := api.all()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/auth/w/order/cancel/multi", reqs[0].Path)
	assert.Len(t, reqs[0].Payload["id"], 2)
	assert.Equal(t, "/auth/w/order/cancel", reqs[1].Path)
	assert.Equal(t, "/auth/w/order/update", reqs[2].Path)
	assert.Equal(t, "-5", reqs[2].Payload["amount"])
}

func TestTicker(t *testing.T) {
	c, api := newTestClient(t, func(string) (int, string) {
		return 200, `[0.099,1000,0.101,900,0.001,0.01,0.1,123456,0.11,0.09]`
	})
	tk, err := c.Ticker(context.Background(), "tPNKUSD")
	require.NoError(t, err)
	req := api.all()[0]
	assert.Equal(t, "/ticker/tPNKUSD", req.Path)
	assert.Empty(t, req.Sig, "公共接口不签名")
	assert.True(t, tk.Mid().Equal(decimal.RequireFromString("0.1")))
	assert.True(t, tk.LastPrice.Equal(decimal.RequireFromString("0.1")))
}

func TestMissingCredentials(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.ActiveOrders(context.Background(), "")
	assert.True(t, domain.IsValidation(err))
}
