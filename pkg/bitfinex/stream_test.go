package bitfinex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
)

// fakeWS 最小化的 Bitfinex WS 服务端：鉴权、ticker 订阅、推送订单快照、响应 ou 输入
func fakeWS(t *testing.T, amendStatus string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var obj map[string]any
			if json.Unmarshal(raw, &obj) == nil {
				switch obj["event"] {
				case "auth":
					assert.Equal(t, "AUTH"+obj["authNonce"].(string), obj["authPayload"])
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"auth","status":"OK","chanId":0}`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`[0,"os",[[45678901,null,1,"tPNKUSD",0,0,10,10,"EXCHANGE LIMIT",null,null,null,4096,"ACTIVE",null,null,0.099,0]]]`))
				case "subscribe":
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribed","channel":"ticker","chanId":7,"symbol":"tPNKUSD"}`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`[7,"hb"]`))
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`[7,[0.099,1000,0.101,900,0,0,0.1,1,0.11,0.09]]`))
				}
				continue
			}
			var arr []any
			if json.Unmarshal(raw, &arr) == nil && len(arr) == 4 && arr[1] == "ou" {
				in := arr[3].(map[string]any)
				id := int64(in["id"].(float64))
				order := `[` + jsonInt(id) + `,null,1,"tPNKUSD",0,0,10,10,"EXCHANGE LIMIT",null,null,null,4096,"ACTIVE",null,null,` + in["price"].(string) + `,0]`
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`[0,"n",[1,"ou-req",null,null,`+order+`,null,"`+amendStatus+`","amend result"]]`))
				if amendStatus == "SUCCESS" {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(`[0,"ou",`+order+`]`))
				}
			}
		}
	}))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func startStream(t *testing.T, srv *httptest.Server) *Stream {
	t.Helper()
	s := NewStream(StreamConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:       "key",
		APISecret:    "secret",
		Symbol:       "tPNKUSD",
		AmendTimeout: 2 * time.Second,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// nextOf 读到指定类型的事件为止
func nextOf[T events.Event](t *testing.T, s *Stream) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "事件通道已关闭")
			if v, match := ev.(T); match {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestStreamAuthSnapshotAndTicker(t *testing.T) {
	srv := fakeWS(t, "SUCCESS")
	defer srv.Close()
	s := startStream(t, srv)

	auth := nextOf[events.Authenticated](t, s)
	assert.True(t, auth.OK)

	snap := nextOf[events.OrderSnapshot](t, s)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, int64(45678901), snap.Orders[0].ID)

	tk := nextOf[events.Ticker](t, s)
	assert.True(t, tk.Ticker.Mid().Equal(decimal.RequireFromString("0.1")))
}

func TestStreamAmend(t *testing.T) {
	srv := fakeWS(t, "SUCCESS")
	defer srv.Close()
	s := startStream(t, srv)
	nextOf[events.Authenticated](t, s)

	upd := domain.OrderUpdate{ID: 45678901, Symbol: "tPNKUSD", Side: domain.SideBuy, Price: decimal.RequireFromString("0.098"), Amount: decimal.NewFromInt(10)}
	require.NoError(t, s.AmendOrder(context.Background(), upd))

	ou := nextOf[events.OrderUpdate](t, s)
	assert.True(t, ou.Order.Price.Equal(decimal.RequireFromString("0.098")))
}

func TestStreamAmendRejected(t *testing.T) {
	srv := fakeWS(t, "ERROR")
	defer srv.Close()
	s := startStream(t, srv)
	nextOf[events.Authenticated](t, s)

	upd := domain.OrderUpdate{ID: 45678901, Side: domain.SideBuy, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)}
	err := s.AmendOrder(context.Background(), upd)
	var se *domain.OrderSubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "amend result", se.Text)
}

func TestStreamAmendBeforeAuth(t *testing.T) {
	s := NewStream(StreamConfig{})
	err := s.AmendOrder(context.Background(), domain.OrderUpdate{ID: 1, Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrStreamNotReady)
	require.NoError(t, s.Close())
	_, open := <-s.Events()
	assert.False(t, open)
}
