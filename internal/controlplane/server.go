// Package controlplane 本地 HTTP 控制面：查看状态/挂单/行情，手动重新定价和改单，暴露指标。
package controlplane

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/makerkit/internal/amend"
	"github.com/betbot/makerkit/internal/domain"
	"github.com/betbot/makerkit/internal/marketdata"
	"github.com/betbot/makerkit/internal/marketmaker"
	"github.com/betbot/makerkit/internal/metrics"
)

var log = logrus.WithField("component", "controlplane")

// Engine 控制面需要的引擎能力
type Engine interface {
	Snapshot() marketmaker.Snapshot
	Market(ctx context.Context) (*marketdata.Suggestion, error)
	Recenter(ctx context.Context, center string) (*marketmaker.AdjustReport, error)
	AmendOrder(ctx context.Context, req amend.Request) (*amend.Result, error)
}

type Config struct {
	// Token 非空时所有 POST 接口需要 Authorization: Bearer <token>
	Token string
	// RequestTimeout 写操作超时（重新定价包含撤单、等待和挂单）
	RequestTimeout time.Duration
}

type Server struct {
	cfg     Config
	engine  Engine
	metrics *metrics.Metrics
	logs    *LogBuffer
}

func New(cfg Config, engine Engine, m *metrics.Metrics, logs *LogBuffer) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Minute
	}
	if logs == nil {
		logs = NewLogBuffer(0)
	}
	return &Server{cfg: cfg, engine: engine, metrics: m, logs: logs}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/orders", s.handleOrders)
	r.GET("/market", s.handleMarket)
	r.GET("/logs", s.handleLogs)

	write := r.Group("/", s.requireToken)
	write.POST("/recenter", s.handleRecenter)
	write.POST("/orders/:id/amend", s.handleAmend)

	debug := gin.WrapH(metrics.NewMux(s.metrics))
	if s.metrics != nil {
		r.GET("/metrics", debug)
	}
	r.Any("/debug/pprof/*path", debug)
	return r
}

// Start 非阻塞启动，ctx 结束时关闭
func (s *Server) Start(ctx context.Context, addr string) (*http.Server, error) {
	return metrics.StartAsync(ctx, addr, s.Router())
}

func (s *Server) requireToken(c *gin.Context) {
	if s.cfg.Token == "" {
		return
	}
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": snap.Running, "orders": len(snap.Orders)})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusView(s.engine.Snapshot()))
}

func (s *Server) handleOrders(c *gin.Context) {
	snap := s.engine.Snapshot()
	views := make([]OrderView, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		views = append(views, orderView(o))
	}
	c.JSON(http.StatusOK, gin.H{"symbol": snap.Symbol, "center": snap.Center, "orders": views})
}

func (s *Server) handleMarket(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	sug, err := s.engine.Market(ctx)
	if err != nil {
		writeError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, sug)
}

func (s *Server) handleLogs(c *gin.Context) {
	tail := 200
	if v := strings.TrimSpace(c.Query("tail")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			tail = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": s.logs.Tail(tail)})
}

func (s *Server) handleRecenter(c *gin.Context) {
	var req recenterRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Center) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"center\": \"<price>|mid-range\"}"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	log.Infof("🎛️ 控制面请求重新定价: center=%s", req.Center)
	report, err := s.engine.Recenter(ctx, req.Center)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleAmend(c *gin.Context) {
	id, err := domain.ParseIdentity(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	var body amendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	log.Infof("🎛️ 控制面请求改单: id=%s", id)
	res, err := s.engine.AmendOrder(ctx, amend.Request{
		ID:                       id,
		NewPrice:                 body.Price,
		NewAmount:                body.Amount,
		AmountDelta:              body.Delta,
		AllowDestructiveFallback: body.AllowCancelRecreate,
	})
	if err != nil {
		var ae *amend.AmendError
		if errors.As(err, &ae) {
			status := http.StatusConflict
			if ae.OriginalCancelled {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{
				"error":              err.Error(),
				"original_cancelled": ae.OriginalCancelled,
				"recommendation":     ae.Recommendation,
			})
			return
		}
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, amendView(res))
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, marketmaker.ErrRecenterInFlight):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
