package controlplane

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/makerkit/internal/amend"
	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/marketmaker"
)

type OrderView struct {
	ID          string          `json:"id"`
	Placeholder bool            `json:"placeholder"`
	Symbol      string          `json:"symbol"`
	Side        domain.Side     `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	TrackedAt   time.Time       `json:"tracked_at"`
}

func orderView(o domain.TrackedOrder) OrderView {
	id := o.ID.String()
	if o.ID.IsPlaceholder() {
		id = o.ID.Key()
	}
	return OrderView{
		ID:          id,
		Placeholder: o.ID.IsPlaceholder(),
		Symbol:      o.Symbol,
		Side:        o.Side,
		Price:       o.Price,
		Amount:      o.Amount,
		TrackedAt:   o.TrackedAt,
	}
}

type StatusView struct {
	Symbol     string          `json:"symbol"`
	Center     decimal.Decimal `json:"center"`
	Running    bool            `json:"running"`
	TestOnly   bool            `json:"test_only"`
	StartedAt  time.Time       `json:"started_at"`
	LastRunID  string          `json:"last_run_id"`
	Orders     int             `json:"orders"`
	Pending    int             `json:"pending_replenish"`
	Ticks      int             `json:"reconcile_ticks"`
	CleanTicks int             `json:"clean_ticks"`
	Events     map[string]int  `json:"events"`
	Recenter   bool            `json:"recenter_in_flight"`
	Replenish  bool            `json:"replenish_running"`
}

func statusView(s marketmaker.Snapshot) StatusView {
	return StatusView{
		Symbol:     s.Symbol,
		Center:     s.Center,
		Running:    s.Running,
		TestOnly:   s.TestOnly,
		StartedAt:  s.StartedAt,
		LastRunID:  s.LastRunID,
		Orders:     len(s.Orders),
		Pending:    s.Pending,
		Ticks:      s.Ticks,
		CleanTicks: s.CleanTicks,
		Events:     s.Events,
		Recenter:   s.Recenter,
		Replenish:  s.Replenish,
	}
}

type recenterRequest struct {
	Center string `json:"center"` // 数字或 "mid-range"
}

type amendRequest struct {
	Price               *decimal.Decimal `json:"price"`
	Amount              *decimal.Decimal `json:"amount"`
	Delta               *decimal.Decimal `json:"delta"`
	AllowCancelRecreate bool             `json:"allow_cancel_recreate"`
}

type AmendView struct {
	Method     amend.Method    `json:"method"`
	ID         string          `json:"id"`
	OriginalID string          `json:"original_id"`
	Side       domain.Side     `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Message    string          `json:"message"`
}

func amendView(r *amend.Result) AmendView {
	return AmendView{
		Method:     r.Method,
		ID:         r.ID.String(),
		OriginalID: r.OriginalID.String(),
		Side:       r.Side,
		Price:      r.Price,
		Amount:     r.Amount,
		Message:    r.Message,
	}
}
