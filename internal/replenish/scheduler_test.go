package replenish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/exchangetest"
	"github.com/betbot/makerkit/internal/ledger"
	"github.com/betbot/makerkit/pkg/delay"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const symbol = "tPNKUSD"

// placeAll 在假交易所下单并登记到 ledger
func placeAll(t *testing.T, ex *exchangetest.Exchange, l *ledger.Ledger, prices ...string) []domain.Identity {
	t.Helper()
	var ids []domain.Identity
	for _, p := range prices {
		ack, err := ex.SubmitOrder(context.Background(), symbol, domain.SideBuy, d("10"), d(p))
		require.NoError(t, err)
		ids = append(ids, l.Track(ack, domain.SideBuy, d("10"), d(p), symbol))
	}
	return ids
}

func TestTickResubmitsMissingOnce(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	ids := placeAll(t, ex, l, "0.48", "0.49")
	ex.Drop(ids[0].Value())

	before := ex.Count("SubmitOrder")
	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	report := s.Tick(context.Background())

	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Replenished)
	assert.Equal(t, before+1, ex.Count("SubmitOrder"), "只能补一次")

	sub, _ := ex.LastSubmission()
	assert.Equal(t, domain.SideBuy, sub.Side)
	assert.True(t, sub.Price.Equal(d("0.48")))
	assert.True(t, sub.Amount.Equal(d("10")))

	assert.False(t, l.Has(ids[0]))
	assert.True(t, l.Has(ids[1]))
	assert.Equal(t, 2, l.Len())
	for _, o := range l.All() {
		if o.Price.Equal(d("0.48")) {
			assert.NotEqual(t, ids[0], o.ID, "补单后应是新 ID")
			assert.True(t, o.ID.IsReal())
		}
	}

	// 第二次对账应当干净
	report = s.Tick(context.Background())
	assert.True(t, report.Clean())
}

func TestTickPlaceholderAlwaysMissing(t *testing.T) {
	ex := exchangetest.New()
	ex.AckFor = func(int64, exchangetest.Submission) domain.Acknowledgment { return domain.Acknowledgment{} }
	l := ledger.New()
	l.Track(domain.Acknowledgment{}, domain.SideSell, d("5"), d("0.52"), symbol)

	report := New(symbol, ex, l, WithDelays(delay.Instant())).Tick(context.Background())
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Replenished)
	ids := l.Identities()
	require.Len(t, ids, 1)
	assert.Equal(t, "sell|0.520000|5.000000|replenish", ids[0].Key())
}

func TestTickFetchFailureChangesNothing(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	placeAll(t, ex, l, "0.48")
	ex.ErrorOnNext["ActiveOrders"] = errors.New("502")

	before := ex.Count("SubmitOrder")
	report := New(symbol, ex, l, WithDelays(delay.Instant())).Tick(context.Background())
	require.Error(t, report.Err)
	assert.Equal(t, before, ex.Count("SubmitOrder"))
	assert.Equal(t, 1, l.Len())
}

func TestTickWouldMatchSkipped(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	ids := placeAll(t, ex, l, "0.48")
	ex.Drop(ids[0].Value())
	ex.ErrorOnNext["SubmitOrder"] = &domain.OrderSubmissionError{Op: "submit", Text: "Invalid order: would have matched"}

	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, s.Pending())
}

func TestTickFailureRequeued(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	ids := placeAll(t, ex, l, "0.48")
	ex.Drop(ids[0].Value())
	ex.ErrorOnNext["SubmitOrder"] = errors.New("timeout")

	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, s.Pending())

	report = s.Tick(context.Background())
	assert.Equal(t, 1, report.Replenished)
	assert.Equal(t, 1, l.Len())
}

func TestRestoreResubmitsSlot(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	s.Restore(domain.TrackedOrder{ID: domain.MustRealID(20000001), Symbol: symbol, Side: domain.SideSell, Price: d("0.55"), Amount: d("3")})

	report := s.Tick(context.Background())
	assert.Equal(t, 1, report.Replenished)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, s.Pending())

	s.Restore(domain.TrackedOrder{Side: domain.SideSell, Price: d("0.55"), Amount: d("3")})
	s.Reset()
	assert.Equal(t, 0, s.Pending())
}

func TestCleanTickCounter(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	placeAll(t, ex, l, "0.48")
	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	for i := 0; i < 12; i++ {
		s.Tick(context.Background())
	}
	ticks, clean := s.Stats()
	assert.Equal(t, 12, ticks)
	assert.Equal(t, 12, clean)
}

func TestStartStop(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	rec := delay.Instant().Hold(delay.ReconcileInitial, delay.ReconcileInterval)

	reports := make(chan TickReport, 4)
	s := New(symbol, ex, l, WithDelays(rec), WithObserver(func(r TickReport) { reports <- r }))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.Running())

	// Nudge 提前结束首次等待
	s.Nudge()
	select {
	case r := <-reports:
		assert.True(t, r.Clean())
	case <-time.After(2 * time.Second):
		t.Fatal("nudge 没有触发 tick")
	}

	s.Stop()
	assert.False(t, s.Running())
	s.Stop() // 幂等
}

func TestExclusiveWaitsForRunningTick(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	s := New(symbol, ex, l, WithDelays(delay.Instant()))
	s.Restore(domain.TrackedOrder{Symbol: symbol, Side: domain.SideSell, Price: d("0.55"), Amount: d("3")})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ex.BeforeSubmit = func(exchangetest.Submission) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	tickDone := make(chan TickReport, 1)
	go func() { tickDone <- s.Tick(context.Background()) }()
	<-entered

	ran := make(chan struct{})
	go s.Exclusive(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("tick 补单期间不应执行 Exclusive")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("tick 结束后 Exclusive 应执行")
	}
	report := <-tickDone
	assert.Equal(t, 1, report.Replenished)
}

func TestTickConsumesPendingNudge(t *testing.T) {
	ex := exchangetest.New()
	l := ledger.New()
	s := New(symbol, ex, l, WithDelays(delay.Instant()))

	s.Nudge()
	s.Tick(context.Background())
	select {
	case <-s.nudge.C():
		t.Fatal("tick 之前的唤醒请求应已被本轮处理")
	default:
	}
}
