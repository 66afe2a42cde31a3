// Package bitfinex Bitfinex v2 交易所适配器（REST + WebSocket），实现 internal/ports 中的能力接口。
package bitfinex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/pkg/ratelimit"
)

var log = logrus.WithField("component", "bitfinex")

const (
	DefaultRESTURL   = "https://api.bitfinex.com/v2"
	DefaultPublicURL = "https://api-pub.bitfinex.com/v2"

	// 签名路径前缀（与 base URL 无关，交易所按这个校验）
	signPathPrefix = "/api/v2/"

	orderTypeExchangeLimit = "EXCHANGE LIMIT"
)

// Config REST 客户端配置
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // 鉴权接口
	PublicURL string // 公共行情接口
	Timeout   time.Duration

	// RequestsPerMinute 鉴权接口限速，<=0 不限速
	RequestsPerMinute int
}

// Client Bitfinex REST v2 客户端
type Client struct {
	auth   *resty.Client
	public *resty.Client

	apiKey    string
	apiSecret string

	lastNonce atomic.Int64
	limiter   ratelimit.RateLimiter
	now       func() time.Time
}

// New 创建客户端。
// 鉴权写接口不重试：重试会复用同一个 nonce，交易所只会回 "nonce: small"。
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRESTURL
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = DefaultPublicURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	auth := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	public := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.PublicURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == 429 || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时按 Retry-After 等待
			if resp != nil && resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	c := &Client{
		auth:      auth,
		public:    public,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		now:       time.Now,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = ratelimit.NewTokenBucket(cfg.RequestsPerMinute, time.Minute)
	}
	return c
}

// nextNonce 单调递增的微秒 nonce（同一微秒内多次调用也不会重复）
func (c *Client) nextNonce() string {
	for {
		last := c.lastNonce.Load()
		n := c.now().UnixMicro()
		if n <= last {
			n = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, n) {
			return strconv.FormatInt(n, 10)
		}
	}
}

// sign HMAC-SHA384(secret, "/api/v2/" + path + nonce + body) 的十六进制
func sign(secret, path, nonce string, body []byte) string {
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write([]byte(signPathPrefix + path + nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post 发送鉴权请求，返回 UseNumber 解码后的响应
func (c *Client) post(ctx context.Context, op, path string, payload any) (any, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, domain.NewValidationError("credentials", "BFX_API_KEY / BFX_API_SECRET not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "%s: rate limit wait", op)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode body", op)
	}

	nonce := c.nextNonce()
	r := c.auth.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("bfx-nonce", nonce).
		SetHeader("bfx-apikey", c.apiKey).
		SetHeader("bfx-signature", sign(c.apiSecret, path, nonce, body)).
		SetBody(body)

	resp, err := r.Post("/" + path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: request failed", op)
	}
	if !resp.IsSuccess() {
		return nil, &domain.OrderSubmissionError{Op: op, Text: parseErrorBody(resp.Body())}
	}
	return decode(resp.Body())
}

// writeNotification 写接口都返回通知数组，非 SUCCESS 视为被拒
func (c *Client) writeNotification(ctx context.Context, op, path string, payload any) (notification, error) {
	v, err := c.post(ctx, op, path, payload)
	if err != nil {
		return notification{}, err
	}
	n, err := parseNotification(v)
	if err != nil {
		return notification{}, errors.Wrap(err, op)
	}
	if !n.ok() {
		return n, &domain.OrderSubmissionError{Op: op, Text: n.Text}
	}
	return n, nil
}

// SubmitOrder 下 post-only 限价单（flags=4096）。价格必须为正，市价单一律拒绝。
func (c *Client) SubmitOrder(ctx context.Context, symbol string, side domain.Side, amount, price decimal.Decimal) (domain.Acknowledgment, error) {
	if !price.IsPositive() {
		return domain.Acknowledgment{}, domain.NewValidationError("price", "post-only limit orders need a positive price; market orders are not allowed")
	}
	if !amount.IsPositive() {
		return domain.Acknowledgment{}, domain.NewValidationError("amount", "amount must be positive")
	}
	if err := domain.ValidateSymbol(symbol); err != nil {
		return domain.Acknowledgment{}, err
	}
	payload := map[string]any{
		"type":   orderTypeExchangeLimit,
		"symbol": symbol,
		"amount": side.SignedAmount(amount).String(),
		"price":  price.String(),
		"flags":  domain.PostOnlyFlag,
	}
	n, err := c.writeNotification(ctx, "submit", "auth/w/order/submit", payload)
	if err != nil {
		return domain.Acknowledgment{}, err
	}
	log.Debugf("📤 下单回执: %s %s", n.Status, n.Text)
	return domain.Acknowledgment{Payload: n.Data}, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, id int64) error {
	_, err := c.writeNotification(ctx, "cancel", "auth/w/order/cancel", map[string]any{"id": id})
	return err
}

// CancelOrders 批量撤单
func (c *Client) CancelOrders(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.writeNotification(ctx, "cancel_multi", "auth/w/order/cancel/multi", map[string]any{"id": ids})
	return err
}

// ActiveOrders 活跃订单；symbol 为空返回全部交易对
func (c *Client) ActiveOrders(ctx context.Context, symbol string) ([]domain.OrderRecord, error) {
	path := "auth/r/orders"
	if symbol != "" {
		path += "/" + symbol
	}
	v, err := c.post(ctx, "orders", path, nil)
	if err != nil {
		return nil, err
	}
	return parseOrders(v), nil
}

// UpdateOrder REST 原地改单（价格 + 新数量）
func (c *Client) UpdateOrder(ctx context.Context, upd domain.OrderUpdate) error {
	if !upd.Price.IsPositive() || !upd.Amount.IsPositive() {
		return domain.NewValidationError("update", "price and amount must be positive")
	}
	payload := map[string]any{
		"id":     upd.ID,
		"price":  upd.Price.String(),
		"amount": upd.Side.SignedAmount(upd.Amount).String(),
	}
	_, err := c.writeNotification(ctx, "update", "auth/w/order/update", payload)
	return err
}

// Ticker 公共行情（GET，允许重试）
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	resp, err := c.public.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get("/ticker/" + symbol)
	if err != nil {
		return domain.Ticker{}, errors.Wrapf(err, "ticker %s", symbol)
	}
	if !resp.IsSuccess() {
		return domain.Ticker{}, errors.Errorf("ticker %s: http %d: %s", symbol, resp.StatusCode(), parseErrorBody(resp.Body()))
	}
	v, err := decode(resp.Body())
	if err != nil {
		return domain.Ticker{}, err
	}
	return parseTicker(symbol, v)
}
