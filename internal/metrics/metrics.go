// Package metrics exposes Prometheus metrics for matching, settlement and the
// ledger. All methods are safe on a nil *Metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	BalanceOpCredit  = "credit"
	BalanceOpDebit   = "debit"
	BalanceOpReserve = "reserve"
	BalanceOpRelease = "release"
	BalanceOpSettle  = "settle"
)

var balanceOpKinds = map[string]struct{}{
	BalanceOpCredit:  {},
	BalanceOpDebit:   {},
	BalanceOpReserve: {},
	BalanceOpRelease: {},
	BalanceOpSettle:  {},
}

// Metrics holds Prometheus metrics for the exchange core.
type Metrics struct {
	MatchingLatency      *prometheus.HistogramVec
	TradesCreated        *prometheus.CounterVec
	Orders               *prometheus.CounterVec
	OrderbookDepth       *prometheus.GaugeVec
	SettlementLatency    prometheus.Histogram
	BalanceOperations    *prometheus.CounterVec
	LedgerEntries        prometheus.Counter
	InvariantViolations  prometheus.Counter
	ReconciliationErrors prometheus.Counter
	EventsDropped        *prometheus.CounterVec
	gatherer             prometheus.Gatherer
}

const namespace = "bridge"

// NewDefault 注册到默认 registry，服务进程使用
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New 注册到给定 registry；nil 时创建独立 registry，测试使用
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		MatchingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_latency_seconds",
			Help:      "Time spent placing an order, from enqueue to result.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"pair"}),
		OrderbookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Number of resting orders per side.",
		}, []string{"pair", "side"}),
		SettlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_latency_seconds",
			Help:      "Time to settle one trade inside a ledger transaction.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05},
		}),
		TradesCreated:        counterVec("trades_created_total", "Trades settled, internal and external.", "pair"),
		Orders:               counterVec("orders_total", "Orders by status after the placing call.", "pair", "status"),
		BalanceOperations:    counterVec("balance_operations_total", "Ledger balance operations by kind.", "type"),
		EventsDropped:        counterVec("events_dropped_total", "Events dropped because an async sink queue was full or failed.", "sink"),
		LedgerEntries:        counter("ledger_entries_total", "Committed ledger journal entries."),
		InvariantViolations:  counter("ledger_invariant_violations_total", "Operations aborted because they would break a ledger invariant."),
		ReconciliationErrors: counter("reconciliation_errors_total", "Discrepancies found by reconciliation runs."),
		gatherer:             gatherer,
	}

	reg.MustRegister(
		m.MatchingLatency, m.OrderbookDepth, m.SettlementLatency,
		m.TradesCreated, m.Orders, m.BalanceOperations, m.EventsDropped,
		m.LedgerEntries, m.InvariantViolations, m.ReconciliationErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMatchingLatency(pair string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchingLatency.WithLabelValues(pair).Observe(d.Seconds())
}

func (m *Metrics) AddTradesCreated(pair string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TradesCreated.WithLabelValues(pair).Add(float64(n))
}

func (m *Metrics) IncOrder(pair, status string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(pair, status).Inc()
}

func (m *Metrics) SetOrderbookDepth(pair, side string, n int) {
	if m == nil {
		return
	}
	m.OrderbookDepth.WithLabelValues(pair, side).Set(float64(n))
}

func (m *Metrics) ObserveSettlementLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SettlementLatency.Observe(d.Seconds())
}

// IncBalanceOperation rejects kinds outside the Balance* constants.
func (m *Metrics) IncBalanceOperation(kind string) error {
	if _, ok := balanceOpKinds[kind]; !ok {
		return fmt.Errorf("unknown balance operation type: %s", kind)
	}
	if m == nil {
		return nil
	}
	m.BalanceOperations.WithLabelValues(kind).Inc()
	return nil
}

func (m *Metrics) AddLedgerEntries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LedgerEntries.Add(float64(n))
}

func (m *Metrics) IncInvariantViolation() {
	if m == nil {
		return
	}
	m.InvariantViolations.Inc()
}

func (m *Metrics) AddReconciliationErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconciliationErrors.Add(float64(n))
}

func (m *Metrics) IncEventsDropped(sink string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(sink).Inc()
}
