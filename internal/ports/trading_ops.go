package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/domain"
)

// Small capability interfaces consumed by the core (marketdata/ledger/amend/replenish).
// The Bitfinex adapter implements all of them; tests use internal/exchangetest.

type OrderSubmitter interface {
	// SubmitOrder places a post-only limit order. amount is positive; direction comes from side.
	SubmitOrder(ctx context.Context, symbol string, side domain.Side, amount, price decimal.Decimal) (domain.Acknowledgment, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, id int64) error
	CancelOrders(ctx context.Context, ids []int64) error
}

type ActiveOrderLister interface {
	// ActiveOrders lists resting orders; empty symbol means all symbols.
	ActiveOrders(ctx context.Context, symbol string) ([]domain.OrderRecord, error)
}

type TickerGetter interface {
	Ticker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// OrderUpdater in-place amend over REST. Optional: may return domain.ErrUnsupported.
type OrderUpdater interface {
	UpdateOrder(ctx context.Context, upd domain.OrderUpdate) error
}

// StreamAmender in-place amend over the authenticated stream. Optional.
type StreamAmender interface {
	AmendOrder(ctx context.Context, upd domain.OrderUpdate) error
}

// Exchange the full set the engine needs for placement and reconciliation.
type Exchange interface {
	OrderSubmitter
	OrderCanceler
	ActiveOrderLister
	TickerGetter
}
