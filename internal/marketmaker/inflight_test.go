package marketmaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlight(t *testing.T) {
	now := time.Unix(1700000000, 0)
	d := newInFlight(time.Minute)
	d.now = func() time.Time { return now }

	require.NoError(t, d.TryAcquire("tPNKUSD"))
	assert.ErrorIs(t, d.TryAcquire("tPNKUSD"), ErrRecenterInFlight)
	assert.NoError(t, d.TryAcquire("tBTCUSD"), "不同交易对互不影响")
	assert.True(t, d.Held("tPNKUSD"))

	d.Release("tPNKUSD")
	assert.False(t, d.Held("tPNKUSD"))
	require.NoError(t, d.TryAcquire("tPNKUSD"))

	// 持有者卡死时 TTL 到期自动失效
	now = now.Add(2 * time.Minute)
	assert.False(t, d.Held("tPNKUSD"))
	assert.NoError(t, d.TryAcquire("tPNKUSD"))
}
