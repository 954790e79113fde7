package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's prometheus instrumentation
// A nil *Metrics is valid and records nothing
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersExecuted  *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	executionDefers *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	fundingSettled  *prometheus.CounterVec
	commitLatency   prometheus.Histogram
	restingOrders   *prometheus.GaugeVec
	openPositions   prometheus.Gauge
	paused          prometheus.Gauge
}

// New creates metrics registered on a private registry
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by market and type",
		}, []string{"market", "type"}),

		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Submissions rejected by reason",
		}, []string{"reason"}),

		ordersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Orders filled by market",
		}, []string{"market"}),

		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by reason",
		}, []string{"reason"}),

		executionDefers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_deferrals_total",
			Help:      "Execution attempts left resting, by reason",
		}, []string{"reason"}),

		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions liquidated by market",
		}, []string{"market"}),

		fundingSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_settlements_total",
			Help:      "Non-zero funding settlements by market",
		}, []string{"market"}),

		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Time to persist and apply one ledger change",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),

		restingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resting_orders",
			Help:      "Resting orders by market",
		}, []string{"market"}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions across all markets",
		}),

		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while new orders are paused",
		}),
	}

	registry.MustRegister(
		m.ordersSubmitted, m.ordersRejected, m.ordersExecuted, m.ordersCancelled,
		m.executionDefers, m.liquidations, m.fundingSettled, m.commitLatency,
		m.restingOrders, m.openPositions, m.paused,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (tests, custom exporters)
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderSubmitted(market, typ string) {
	if m != nil {
		m.ordersSubmitted.WithLabelValues(market, typ).Inc()
	}
}

func (m *Metrics) OrderRejected(reason string) {
	if m != nil {
		m.ordersRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) OrderExecuted(market string) {
	if m != nil {
		m.ordersExecuted.WithLabelValues(market).Inc()
	}
}

func (m *Metrics) OrderCancelled(reason string) {
	if m != nil {
		m.ordersCancelled.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ExecutionDeferred(reason string) {
	if m != nil {
		m.executionDefers.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Liquidated(market string) {
	if m != nil {
		m.liquidations.WithLabelValues(market).Inc()
	}
}

func (m *Metrics) FundingSettled(market string) {
	if m != nil {
		m.fundingSettled.WithLabelValues(market).Inc()
	}
}

func (m *Metrics) ObserveCommit(d time.Duration) {
	if m != nil {
		m.commitLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetResting(market string, n int) {
	if m != nil {
		m.restingOrders.WithLabelValues(market).Set(float64(n))
	}
}

func (m *Metrics) SetOpenPositions(n int) {
	if m != nil {
		m.openPositions.Set(float64(n))
	}
}

func (m *Metrics) SetPaused(p bool) {
	if m == nil {
		return
	}
	if p {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}
