package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.OrdersSubmitted.WithLabelValues("buy", ResultOK).Inc()
	m.OrdersSubmitted.WithLabelValues("buy", ResultOK).Inc()
	m.TrackedOrders.Set(6)

	srv := httptest.NewServer(NewMux(m))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `makerkit_orders_submitted_total{result="ok",side="buy"} 2`)
	assert.Contains(t, string(body), "makerkit_tracked_orders 6")
}
