package bitfinex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/events"
	"github.com/betbot/makerkit/pkg/ratelimit"
)

const (
	DefaultWSURL = "wss://api.bitfinex.com/ws/2"

	defaultEventBuffer       = 256
	defaultAmendTimeout      = 10 * time.Second
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	// 交易所每 15s 发一次 hb，两个周期收不到就当断线
	defaultReadTimeout = 35 * time.Second
	// WS 输入消息限速（交易所上限为每秒数十条，这里留余量）
	defaultInputsPerSecond = 10
)

// ErrStreamNotReady 连接未建立或未鉴权
var ErrStreamNotReady = errors.New("bitfinex stream not authenticated")

// StreamConfig WebSocket 配置
type StreamConfig struct {
	URL       string
	APIKey    string
	APISecret string
	// Symbol 非空时订阅该交易对 ticker
	Symbol string

	BufferSize           int
	AmendTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 表示不限
	ReadTimeout          time.Duration
	InputsPerSecond      int
}

// Stream 鉴权后的 Bitfinex v2 WebSocket（实现 ports.Stream 与 ports.StreamAmender）
type Stream struct {
	cfg StreamConfig

	connMu sync.Mutex
	conn   *websocket.Conn
	// gorilla 的 Conn 不支持并发写
	writeMu sync.Mutex

	events chan events.Event
	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	authed    atomic.Bool
	tickerCh  atomic.Int64
	lastNonce atomic.Int64
	doneCh    chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[int64]chan notification

	limiter           ratelimit.RateLimiter
	reconnectAttempts int
}

// NewStream 创建流（未连接）
func NewStream(cfg StreamConfig) *Stream {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultEventBuffer
	}
	if cfg.AmendTimeout <= 0 {
		cfg.AmendTimeout = defaultAmendTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.InputsPerSecond <= 0 {
		cfg.InputsPerSecond = defaultInputsPerSecond
	}
	s := &Stream{
		cfg:     cfg,
		events:  make(chan events.Event, cfg.BufferSize),
		doneCh:  make(chan struct{}),
		pending: make(map[int64]chan notification),
		limiter: ratelimit.NewSlidingWindow(cfg.InputsPerSecond, time.Second),
	}
	s.tickerCh.Store(-1)
	return s
}

// Events 事件按到达顺序串行投递；Close 之后关闭
func (s *Stream) Events() <-chan events.Event { return s.events }

// Start 建立连接并鉴权，之后在后台读消息、断线自动重连
func (s *Stream) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stream already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.connect(); err != nil {
		s.cancel()
		close(s.doneCh)
		return err
	}
	go s.readLoop()
	return nil
}

// Close 停止读循环并关闭连接（幂等）
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			close(s.events)
			return
		}
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
		<-s.doneCh
		close(s.events)
		log.Infof("🔌 WebSocket 已关闭")
	})
	return err
}

func (s *Stream) nextNonce() string {
	for {
		last := s.lastNonce.Load()
		n := time.Now().UnixMicro()
		if n <= last {
			n = last + 1
		}
		if s.lastNonce.CompareAndSwap(last, n) {
			return strconv.FormatInt(n, 10)
		}
	}
}

// connect 拨号 + 鉴权 + 订阅 ticker
func (s *Stream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", s.cfg.URL)
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()
	s.authed.Store(false)
	s.tickerCh.Store(-1)

	if s.cfg.APIKey != "" {
		nonce := s.nextNonce()
		payload := "AUTH" + nonce
		mac := hmac.New(sha512.New384, []byte(s.cfg.APISecret))
		mac.Write([]byte(payload))
		if err := s.write(map[string]any{
			"event":       "auth",
			"apiKey":      s.cfg.APIKey,
			"authSig":     hex.EncodeToString(mac.Sum(nil)),
			"authNonce":   nonce,
			"authPayload": payload,
			"filter":      []string{"trading"},
		}); err != nil {
			return errors.Wrap(err, "send auth")
		}
	}
	if s.cfg.Symbol != "" {
		if err := s.write(map[string]any{"event": "subscribe", "channel": "ticker", "symbol": s.cfg.Symbol}); err != nil {
			return errors.Wrap(err, "subscribe ticker")
		}
	}

	s.reconnectAttempts = 0
	s.emit(events.Opened{At: time.Now()})
	log.Infof("✅ WebSocket 已连接: %s", s.cfg.URL)
	return nil
}

func (s *Stream) write(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrStreamNotReady
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// emit 阻塞投递，保证事件不丢、不乱序；关闭时放弃
func (s *Stream) emit(ev events.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Stream) readLoop() {
	defer close(s.doneCh)
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.connMu.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			s.authed.Store(false)
			s.failPending(err)
			if s.ctx.Err() != nil {
				return
			}
			log.Warnf("⚠️ WebSocket 读取错误: %v, 准备重连", err)
			s.emit(events.Disconnected{Err: err})
			continue
		}
		s.handle(msg)
	}
}

// reconnect 线性退避重连，返回 false 表示放弃
func (s *Stream) reconnect() bool {
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	if s.cfg.MaxReconnectAttempts > 0 && attempts > s.cfg.MaxReconnectAttempts {
		log.Errorf("❌ 达到最大重连次数 (%d)，停止重连", s.cfg.MaxReconnectAttempts)
		return false
	}
	wait := s.cfg.ReconnectDelay * time.Duration(attempts)
	if wait > s.cfg.MaxReconnectDelay {
		wait = s.cfg.MaxReconnectDelay
	}
	log.Infof("🔄 %v 后重连 (第 %d 次)", wait, attempts)
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(wait):
	}
	if err := s.connect(); err != nil {
		log.Warnf("重连失败: %v", err)
	}
	return true
}

func (s *Stream) handle(raw []byte) {
	v, err := decode(raw)
	if err != nil {
		log.Debugf("忽略无法解析的消息: %v", err)
		return
	}
	switch msg := v.(type) {
	case map[string]any:
		s.handleEvent(msg)
	case []any:
		s.handleChannel(msg)
	}
}

func (s *Stream) handleEvent(msg map[string]any) {
	switch asString(msg["event"]) {
	case "auth":
		ok := asString(msg["status"]) == "OK"
		s.authed.Store(ok)
		if ok {
			log.Infof("🔐 WebSocket 鉴权成功")
		} else {
			log.Errorf("❌ WebSocket 鉴权失败: %s", asString(msg["msg"]))
		}
		s.emit(events.Authenticated{OK: ok, Message: asString(msg["msg"])})
	case "subscribed":
		if asString(msg["channel"]) == "ticker" {
			if id, ok := asInt64(msg["chanId"]); ok {
				s.tickerCh.Store(id)
			}
		}
	case "error":
		log.Warnf("WebSocket 错误事件: %s (code=%s)", asString(msg["msg"]), asString(msg["code"]))
	case "info":
		log.Debugf("WebSocket info: %v", msg)
	}
}

func (s *Stream) handleChannel(arr []any) {
	if len(arr) < 2 {
		return
	}
	chanID, ok := asInt64(arr[0])
	if !ok {
		return
	}
	if typ, isStr := arr[1].(string); isStr && typ == "hb" {
		return
	}

	if chanID != 0 {
		if chanID == s.tickerCh.Load() {
			t, err := parseTicker(s.cfg.Symbol, arr[1])
			if err == nil {
				s.emit(events.Ticker{Ticker: t})
			}
		}
		return
	}

	if len(arr) < 3 {
		return
	}
	typ := asString(arr[1])
	switch typ {
	case "os":
		s.emit(events.OrderSnapshot{Orders: parseOrders(arr[2])})
	case "on", "ou", "oc":
		rec, err := parseOrder(arr[2])
		if err != nil {
			log.Warnf("无法解析 %s 订单: %v", typ, err)
			return
		}
		switch typ {
		case "on":
			s.emit(events.OrderNew{Order: rec})
		case "ou":
			s.emit(events.OrderUpdate{Order: rec})
		default:
			s.emit(events.OrderCancel{Order: rec})
		}
	case "n":
		n, err := parseNotification(arr[2])
		if err != nil {
			return
		}
		s.deliver(n)
		s.emit(events.Notification{Type: n.Type, Status: n.Status, Text: n.Text, Payload: n.Data})
	}
}

// deliver 把 ou-req 通知交给等待中的改单
func (s *Stream) deliver(n notification) {
	if n.Type != "ou-req" {
		return
	}
	var id int64
	if arr, ok := n.Data.([]any); ok && len(arr) > 0 {
		id, _ = asInt64(arr[0])
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- n
	}
}

// failPending 断线时让所有等待中的改单立即失败
func (s *Stream) failPending(cause error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		ch <- notification{Type: "ou-req", Status: "FAILURE", Text: "stream disconnected: " + cause.Error()}
		delete(s.pending, id)
	}
}

// AmendOrder 通过 WS 发 ou 输入并等待 ou-req 通知确认
func (s *Stream) AmendOrder(ctx context.Context, upd domain.OrderUpdate) error {
	if !upd.Price.IsPositive() || !upd.Amount.IsPositive() {
		return domain.NewValidationError("update", "price and amount must be positive")
	}
	if !s.authed.Load() {
		return ErrStreamNotReady
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "amend: rate limit wait")
	}

	ch := make(chan notification, 1)
	s.pendingMu.Lock()
	s.pending[upd.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, upd.ID)
		s.pendingMu.Unlock()
	}()

	input := []any{0, "ou", nil, map[string]any{
		"id":     upd.ID,
		"price":  upd.Price.String(),
		"amount": upd.Side.SignedAmount(upd.Amount).String(),
	}}
	if err := s.write(input); err != nil {
		return errors.Wrapf(err, "amend %d: send", upd.ID)
	}

	timer := time.NewTimer(s.cfg.AmendTimeout)
	defer timer.Stop()
	select {
	case n := <-ch:
		if n.ok() {
			return nil
		}
		return &domain.OrderSubmissionError{Op: "amend", Text: n.Text}
	case <-timer.C:
		return errors.Errorf("amend %d: no confirmation within %s", upd.ID, s.cfg.AmendTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
