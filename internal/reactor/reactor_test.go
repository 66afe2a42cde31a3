package reactor

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
	"github.com/betbot/makerkit/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type triggerCall struct {
	center decimal.Decimal
	reason Reason
}

type spyTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
}

func (s *spyTrigger) TriggerRecenter(center decimal.Decimal, reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, triggerCall{center, reason})
}

type spyRestorer struct {
	restored []domain.TrackedOrder
}

func (s *spyRestorer) Restore(o domain.TrackedOrder) { s.restored = append(s.restored, o) }

const id = int64(20000001)

func setup(t *testing.T) (*ledger.Ledger, *spyTrigger, *spyRestorer, *Reactor) {
	t.Helper()
	l := ledger.New()
	l.Track(domain.Acknowledgment{ID: id}, domain.SideBuy, d("10"), d("0.5"), "tPNKUSD")
	trig := &spyTrigger{}
	rest := &spyRestorer{}
	return l, trig, rest, New(l, trig, WithSlotRestorer(rest))
}

func rec(status, remaining string) domain.OrderRecord {
	return domain.OrderRecord{ID: id, Symbol: "tPNKUSD", Side: domain.SideBuy, Amount: d(remaining), Price: d("0.5"), Status: status}
}

func TestClassifyStatus(t *testing.T) {
	tests := map[string]Status{
		"ACTIVE":                               StatusActive,
		"EXECUTED @ 0.5(10.0)":                 StatusExecuted,
		"PARTIALLY FILLED @ 0.5(4.0)":          StatusPartiallyFilled,
		"CANCELED":                             StatusCanceled,
		"CANCELED was: PARTIALLY FILLED @ 0.5": StatusCanceled,
		"POSTONLY CANCELED":                    StatusCanceled,
		"":                                     StatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ClassifyStatus(in), in)
	}
}

func TestExecutedTriggersRecenter(t *testing.T) {
	l, trig, _, r := setup(t)
	ev := rec("EXECUTED @ 0.5(10.0)", "0")
	ev.AvgPrice = d("0.499")
	r.Dispatch(context.Background(), events.OrderUpdate{Order: ev})

	assert.Equal(t, 0, l.Len())
	require.Len(t, trig.calls, 1)
	assert.True(t, trig.calls[0].center.Equal(d("0.499")))
	assert.Equal(t, ReasonFill, trig.calls[0].reason)
}

func TestExecutedViaOrderCancel(t *testing.T) {
	l, trig, rest, r := setup(t)
	r.Dispatch(context.Background(), events.OrderCancel{Order: rec("EXECUTED @ 0.5(10.0)", "0")})
	assert.Equal(t, 0, l.Len())
	require.Len(t, trig.calls, 1)
	assert.True(t, trig.calls[0].center.Equal(d("0.5")))
	assert.Empty(t, rest.restored)
}

func TestPartialFillThreshold(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		triggers  bool
	}{
		{"60 percent filled", "4", true},
		{"50 percent filled", "5", true},
		{"40 percent filled", "6", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, trig, _, r := setup(t)
			r.Dispatch(context.Background(), events.OrderUpdate{Order: rec("PARTIALLY FILLED @ 0.5(1)", tt.remaining)})
			if tt.triggers {
				require.Len(t, trig.calls, 1)
				assert.Equal(t, ReasonPartialFill, trig.calls[0].reason)
			} else {
				assert.Empty(t, trig.calls)
			}
			// 部分成交不移除，保留原始数量
			got, ok := l.Get(domain.MustRealID(id))
			require.True(t, ok)
			assert.True(t, got.Amount.Equal(d("10")))
		})
	}
}

func TestCanceledRemovesAndRestores(t *testing.T) {
	l, trig, rest, r := setup(t)
	r.Dispatch(context.Background(), events.OrderCancel{Order: rec("CANCELED", "10")})
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, trig.calls)
	require.Len(t, rest.restored, 1)
	assert.True(t, rest.restored[0].Price.Equal(d("0.5")))
}

func TestUntrackedIgnored(t *testing.T) {
	l, trig, _, r := setup(t)
	other := rec("EXECUTED @ 1", "0")
	other.ID = 20000009
	r.Dispatch(context.Background(), events.OrderUpdate{Order: other})
	assert.Equal(t, 1, l.Len())
	assert.Empty(t, trig.calls)
}

func TestNonOrderEventsCounted(t *testing.T) {
	_, trig, _, r := setup(t)
	ctx := context.Background()
	r.Dispatch(ctx, events.Opened{})
	r.Dispatch(ctx, events.Authenticated{OK: true})
	r.Dispatch(ctx, events.OrderSnapshot{Orders: []domain.OrderRecord{rec("ACTIVE", "10")}})
	r.Dispatch(ctx, events.Notification{Type: "on-req", Status: "ERROR", Text: "nonce: small"})
	r.Dispatch(ctx, nil)

	assert.Empty(t, trig.calls)
	counts := r.Counts()
	assert.Equal(t, 1, counts["os"])
	assert.Equal(t, 1, counts["n"])
}

type panicTrigger struct{}

func (panicTrigger) TriggerRecenter(decimal.Decimal, Reason) { panic("boom") }

func TestDispatchRecoversPanic(t *testing.T) {
	l := ledger.New()
	l.Track(domain.Acknowledgment{ID: id}, domain.SideBuy, d("10"), d("0.5"), "tPNKUSD")
	r := New(l, panicTrigger{})
	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), events.OrderUpdate{Order: rec("EXECUTED", "0")})
	})
}
