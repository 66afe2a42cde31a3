package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 做市引擎的 prometheus 指标
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted *prometheus.CounterVec // side, result
	Recenters       *prometheus.CounterVec // reason
	Replenished     *prometheus.CounterVec // result
	Amendments      *prometheus.CounterVec // method, result
	TrackedOrders   prometheus.Gauge
	StreamEvents    *prometheus.CounterVec // kind
}

// New 创建并注册到独立 registry（测试之间互不影响）
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerkit_orders_submitted_total",
			Help: "Post-only order submissions by side and result",
		}, []string{"side", "result"}),
		Recenters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerkit_recenters_total",
			Help: "Re-centering runs by trigger reason",
		}, []string{"reason"}),
		Replenished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerkit_replenished_total",
			Help: "Reconciliation resubmissions by result",
		}, []string{"result"}),
		Amendments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerkit_amendments_total",
			Help: "Order amendments by method and result",
		}, []string{"method", "result"}),
		TrackedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "makerkit_tracked_orders",
			Help: "Orders currently tracked in the local ledger",
		}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makerkit_stream_events_total",
			Help: "Stream events dispatched by kind",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.OrdersSubmitted, m.Recenters, m.Replenished, m.Amendments, m.TrackedOrders, m.StreamEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// 结果标签
const (
	ResultOK        = "ok"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
	ResultCancelled = "original_cancelled"
)
