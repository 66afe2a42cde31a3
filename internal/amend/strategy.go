package amend

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/ports"
	"github.com/betbot/makerkit/pkg/delay"
)

var log = logrus.WithField("component", "amend")

// Method 改单方式
type Method string

const (
	MethodDirect         Method = "direct"          // REST 原地改单
	MethodStream         Method = "stream"          // WebSocket ou 改单
	MethodCancelRecreate Method = "cancel_recreate" // 撤单后重新下单（破坏性）
)

// RecommendDestructive 非破坏性方式都失败时给调用方的建议
const RecommendDestructive = "retry with destructive fallback (cancel-and-recreate)"

const maxSubmitAttempts = 3

// Request 改单请求。NewAmount 和 AmountDelta 互斥；数量均为正向语义（不带方向符号）。
type Request struct {
	ID                       domain.Identity
	NewPrice                 *decimal.Decimal
	NewAmount                *decimal.Decimal
	AmountDelta              *decimal.Decimal
	AllowDestructiveFallback bool
	// Current 调用方已知的订单状态；为空时从交易所活跃订单里查
	Current *domain.TrackedOrder
}

// Result 改单结果
type Result struct {
	Method     Method
	ID         domain.Identity // 撤单重建时是新 ID
	OriginalID domain.Identity
	Side       domain.Side
	Symbol     string
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Message    string
	Ack        *domain.Acknowledgment
}

// AmendError 改单失败。OriginalCancelled 为 true 表示原单已撤但重建失败，需要人工介入。
type AmendError struct {
	OriginalID        domain.Identity
	OriginalCancelled bool
	Recommendation    string
	Attempts          map[Method]error
	Err               error
}

func (e *AmendError) Error() string {
	var b strings.Builder
	if e.OriginalCancelled {
		fmt.Fprintf(&b, "amend %s failed after original was cancelled", e.OriginalID)
	} else {
		fmt.Fprintf(&b, "amend %s failed, original order unchanged", e.OriginalID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Recommendation != "" {
		b.WriteString(" (")
		b.WriteString(e.Recommendation)
		b.WriteString(")")
	}
	return b.String()
}

func (e *AmendError) Unwrap() error { return e.Err }

// Strategy 分层改单：REST 改单 → WebSocket 改单 → （允许时）撤单重建
type Strategy struct {
	submitter ports.OrderSubmitter
	canceler  ports.OrderCanceler
	lister    ports.ActiveOrderLister
	updater   ports.OrderUpdater
	streamer  ports.StreamAmender
	resolve   func(domain.Acknowledgment) (domain.Identity, bool)
	delays    delay.Policy
}

// Option 配置项
type Option func(*Strategy)

// WithStreamAmender 指定 WebSocket 改单通道
func WithStreamAmender(s ports.StreamAmender) Option {
	return func(st *Strategy) { st.streamer = s }
}

// WithResolver 重建后解析新 ID 的方式（一般传 ledger.Resolve）
func WithResolver(fn func(domain.Acknowledgment) (domain.Identity, bool)) Option {
	return func(st *Strategy) { st.resolve = fn }
}

// WithDelays 等待策略
func WithDelays(p delay.Policy) Option {
	return func(st *Strategy) { st.delays = p }
}

// New 创建改单策略。若 ex 同时实现了 OrderUpdater / StreamAmender，会自动启用对应通道。
func New(ex ports.Exchange, opts ...Option) *Strategy {
	s := &Strategy{
		submitter: ex,
		canceler:  ex,
		lister:    ex,
		delays:    delay.New(delay.DefaultConfig()),
	}
	if u, ok := ex.(ports.OrderUpdater); ok {
		s.updater = u
	}
	if a, ok := ex.(ports.StreamAmender); ok {
		s.streamer = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target 改单后的目标状态
type target struct {
	symbol string
	side   domain.Side
	price  decimal.Decimal
	amount decimal.Decimal
}

// Amend 执行改单。参数错误在任何网络调用前返回 ValidationError；
// 订单状态解析（只读）之后、任何写操作之前再校验结果数量和价格。
func (s *Strategy) Amend(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	current, err := s.current(ctx, req)
	if err != nil {
		return nil, err
	}
	tgt, err := resolveTarget(req, current)
	if err != nil {
		return nil, err
	}

	upd := domain.OrderUpdate{
		ID:     req.ID.Value(),
		Symbol: tgt.symbol,
		Side:   tgt.side,
		Price:  tgt.price,
		Amount: tgt.amount,
	}
	attempts := make(map[Method]error)

	// 1. REST 原地改单
	if res, stop, err := s.try(ctx, MethodDirect, req, tgt, upd, attempts); stop {
		return res, err
	}
	// 2. WebSocket 改单
	if res, stop, err := s.try(ctx, MethodStream, req, tgt, upd, attempts); stop {
		return res, err
	}

	if !req.AllowDestructiveFallback {
		aerr := &AmendError{
			OriginalID:     req.ID,
			Recommendation: RecommendDestructive,
			Attempts:       attempts,
			Err:            lastError(attempts),
		}
		log.Warnf("⚠️ 订单 %s 原地改单失败，原单未变动: %v", req.ID, aerr)
		return nil, aerr
	}

	// 3. 撤单重建
	return s.cancelRecreate(ctx, req, tgt, attempts)
}

// try 尝试一种非破坏性方式。stop=true 表示已有结论（成功或不可降级的错误）。
func (s *Strategy) try(ctx context.Context, m Method, req Request, tgt target, upd domain.OrderUpdate, attempts map[Method]error) (*Result, bool, error) {
	var err error
	switch m {
	case MethodDirect:
		if s.updater == nil {
			attempts[m] = domain.ErrUnsupported
			return nil, false, nil
		}
		err = s.updater.UpdateOrder(ctx, upd)
	case MethodStream:
		if s.streamer == nil {
			attempts[m] = domain.ErrUnsupported
			return nil, false, nil
		}
		err = s.streamer.AmendOrder(ctx, upd)
	}

	if err == nil {
		log.Infof("✅ 订单 %s 改单成功 (%s): price=%s amount=%s", req.ID, m, tgt.price, tgt.amount)
		return &Result{
			Method:     m,
			ID:         req.ID,
			OriginalID: req.ID,
			Side:       tgt.side,
			Symbol:     tgt.symbol,
			Price:      tgt.price,
			Amount:     tgt.amount,
			Message:    fmt.Sprintf("order %s amended in place via %s", req.ID, m),
		}, true, nil
	}

	attempts[m] = err
	if !retryable(err) {
		log.Warnf("订单 %s 改单失败 (%s)，不再降级: %v", req.ID, m, err)
		return nil, true, err
	}
	if errors.Is(err, domain.ErrUnsupported) {
		log.Debugf("%s 改单不可用，尝试下一种方式", m)
	} else {
		log.Warnf("订单 %s 改单失败 (%s)，尝试下一种方式: %v", req.ID, m, err)
	}
	if ctx.Err() != nil {
		return nil, true, ctx.Err()
	}
	return nil, false, nil
}

func (s *Strategy) cancelRecreate(ctx context.Context, req Request, tgt target, attempts map[Method]error) (*Result, error) {
	log.Warnf("⚠️ 使用撤单重建方式改单: %s（原单会先被撤销）", req.ID)

	if err := s.canceler.CancelOrder(ctx, req.ID.Value()); err != nil {
		attempts[MethodCancelRecreate] = err
		aerr := &AmendError{OriginalID: req.ID, Attempts: attempts, Err: errors.Wrap(err, "cancel original order")}
		log.Warnf("⚠️ 撤销原单失败，改单中止: %v", err)
		return nil, aerr
	}

	if err := s.delays.Wait(ctx, delay.Settle, 0); err != nil {
		return nil, s.recreateFailed(req, attempts, errors.Wrap(err, "wait after cancel"))
	}

	var (
		ack domain.Acknowledgment
		err error
	)
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		ack, err = s.submitter.SubmitOrder(ctx, tgt.symbol, tgt.side, tgt.amount, tgt.price)
		if err == nil {
			break
		}
		if !domain.IsNonce(err) || attempt == maxSubmitAttempts {
			break
		}
		log.Warnf("重建下单 nonce 错误，第 %d 次重试前等待: %v", attempt, err)
		if werr := s.delays.Wait(ctx, delay.RetryBackoff, attempt); werr != nil {
			err = werr
			break
		}
	}
	if err != nil {
		return nil, s.recreateFailed(req, attempts, errors.Wrap(err, "resubmit order"))
	}

	newID, ok := domain.Identity{}, false
	if s.resolve != nil {
		newID, ok = s.resolve(ack)
	}
	if !ok {
		newID = domain.PlaceholderID(tgt.side, tgt.price, tgt.amount, "amend")
		log.WithField("ack_shape", ack.Shape()).Warnf("⚠️ 重建订单的回执无法解析 ID，使用占位 ID: %s", newID)
	}

	log.Infof("✅ 订单 %s 已撤单重建为 %s: price=%s amount=%s", req.ID, newID, tgt.price, tgt.amount)
	return &Result{
		Method:     MethodCancelRecreate,
		ID:         newID,
		OriginalID: req.ID,
		Side:       tgt.side,
		Symbol:     tgt.symbol,
		Price:      tgt.price,
		Amount:     tgt.amount,
		Message:    fmt.Sprintf("order %s cancelled and recreated as %s", req.ID, newID),
		Ack:        &ack,
	}, nil
}

func (s *Strategy) recreateFailed(req Request, attempts map[Method]error, err error) error {
	attempts[MethodCancelRecreate] = err
	log.Errorf("❌ 原单 %s 已撤销但重建失败，请手动检查并补单: %v", req.ID, err)
	return &AmendError{
		OriginalID:        req.ID,
		OriginalCancelled: true,
		Attempts:          attempts,
		Err:               err,
	}
}

// current 解析订单当前状态（只读）
func (s *Strategy) current(ctx context.Context, req Request) (domain.TrackedOrder, error) {
	if req.Current != nil {
		return *req.Current, nil
	}
	orders, err := s.lister.ActiveOrders(ctx, "")
	if err != nil {
		return domain.TrackedOrder{}, errors.Wrap(err, "fetch active orders")
	}
	for _, o := range orders {
		if o.ID == req.ID.Value() {
			return domain.TrackedOrder{
				ID:     req.ID,
				Symbol: o.Symbol,
				Side:   o.Side,
				Price:  o.Price,
				Amount: o.Amount.Abs(),
			}, nil
		}
	}
	return domain.TrackedOrder{}, domain.NewValidationError("order_id", fmt.Sprintf("order %s not found among active orders", req.ID))
}

func validateRequest(req Request) error {
	if !req.ID.IsReal() {
		return domain.NewValidationError("order_id", fmt.Sprintf("cannot amend %s: only exchange-assigned ids can be amended", req.ID))
	}
	if req.NewAmount != nil && req.AmountDelta != nil {
		return domain.NewValidationError("amount", "new amount and amount delta are mutually exclusive")
	}
	if req.NewPrice == nil && req.NewAmount == nil && req.AmountDelta == nil {
		return domain.NewValidationError("", "at least one of price, amount or delta is required")
	}
	if req.NewAmount != nil && !req.NewAmount.IsPositive() {
		return domain.NewValidationError("amount", "new amount must be positive")
	}
	if req.NewPrice != nil && !req.NewPrice.IsPositive() {
		return domain.NewValidationError("price", "new price must be positive")
	}
	return nil
}

func resolveTarget(req Request, cur domain.TrackedOrder) (target, error) {
	t := target{
		symbol: cur.Symbol,
		side:   cur.Side,
		price:  cur.Price,
		amount: cur.Amount.Abs(),
	}
	switch {
	case req.NewAmount != nil:
		t.amount = *req.NewAmount
	case req.AmountDelta != nil:
		t.amount = cur.Amount.Abs().Add(*req.AmountDelta)
	}
	if req.NewPrice != nil {
		t.price = *req.NewPrice
	}
	if !t.amount.IsPositive() {
		return target{}, domain.NewValidationError("amount", fmt.Sprintf("resulting amount %s must be positive", t.amount))
	}
	if !t.price.IsPositive() {
		return target{}, domain.NewValidationError("price", fmt.Sprintf("resulting price %s must be positive", t.price))
	}
	return t, nil
}

// retryable 除参数错误和订单不存在之外都可以降级到下一种方式
func retryable(err error) bool {
	if domain.IsValidation(err) {
		return false
	}
	if errors.Is(err, domain.ErrOrderNotFound) {
		return false
	}
	return true
}

func lastError(attempts map[Method]error) error {
	for _, m := range []Method{MethodStream, MethodDirect} {
		if err := attempts[m]; err != nil {
			return err
		}
	}
	return nil
}
