// Package metrics exposes Prometheus metrics of the execution engine.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the box engine.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	gateSkips     *prometheus.CounterVec
	brokerLatency *prometheus.HistogramVec
	openQuantity  *prometheus.GaugeVec
	realizedPnL   *prometheus.GaugeVec
	auditDropped  prometheus.Counter
	panics        *prometheus.CounterVec
}

// New creates a metrics registry and registers every engine metric.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "box_cycles_total",
			Help: "Execution cycles by phase and outcome.",
		}, []string{"phase", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "box_case_decisions_total",
			Help: "Case decisions by phase, case and whether the observation was degraded.",
		}, []string{"phase", "case", "degraded"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "box_orders_placed_total",
			Help: "Orders sent to the broker by style and action.",
		}, []string{"style", "action"}),
		gateSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "box_ioc_gate_skips_total",
			Help: "IOC attempts skipped because the spread gate was closed.",
		}, []string{"phase"}),
		brokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "box_broker_call_seconds",
			Help:    "Latency of broker calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call"}),
		openQuantity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "box_open_quantity",
			Help: "Open quantity (entry - exit) per user and leg.",
		}, []string{"user", "leg"}),
		realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "box_realized_pnl",
			Help: "Realized PnL per user.",
		}, []string{"user"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "box_audit_events_dropped_total",
			Help: "Audit events dropped because the audit queue was full.",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "box_user_cycle_panics_total",
			Help: "Recovered panics per user.",
		}, []string{"user"}),
	}
	registry.MustRegister(m.cycles, m.decisions, m.ordersPlaced, m.gateSkips, m.brokerLatency,
		m.openQuantity, m.realizedPnL, m.auditDropped, m.panics)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncCycle counts a finished cycle.
func (m *Metrics) IncCycle(phase, outcome string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(phase, outcome).Inc()
}

// IncDecision counts a case decision.
func (m *Metrics) IncDecision(phase, kase string, degraded bool) {
	if m == nil {
		return
	}
	d := "false"
	if degraded {
		d = "true"
	}
	m.decisions.WithLabelValues(phase, kase, d).Inc()
}

// IncOrderPlaced counts an order sent to the broker.
func (m *Metrics) IncOrderPlaced(style, action string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(style, action).Inc()
}

// IncGateSkip counts a skipped IOC attempt.
func (m *Metrics) IncGateSkip(phase string) {
	if m == nil {
		return
	}
	m.gateSkips.WithLabelValues(phase).Inc()
}

// ObserveBrokerCall records the latency of a broker call.
func (m *Metrics) ObserveBrokerCall(call string, d time.Duration) {
	if m == nil {
		return
	}
	m.brokerLatency.WithLabelValues(call).Observe(d.Seconds())
}

// SetOpenQuantity sets the open quantity gauge of a user leg.
func (m *Metrics) SetOpenQuantity(user, legKey string, qty int) {
	if m == nil {
		return
	}
	m.openQuantity.WithLabelValues(user, legKey).Set(float64(qty))
}

// SetRealizedPnL sets the realized PnL gauge of a user.
func (m *Metrics) SetRealizedPnL(user string, v float64) {
	if m == nil {
		return
	}
	m.realizedPnL.WithLabelValues(user).Set(v)
}

// IncAuditDropped counts a dropped audit event.
func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// IncPanic counts a recovered panic of a user cycle.
func (m *Metrics) IncPanic(user string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(user).Inc()
}
