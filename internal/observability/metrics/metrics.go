package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	CallbackOutcomeApplied   = "applied"
	CallbackOutcomeOrphan    = "orphan"
	CallbackOutcomeDuplicate = "duplicate"
	CallbackOutcomeError     = "error"

	SupervisorActionRescheduled = "rescheduled"
	SupervisorActionResolved    = "resolved"
	SupervisorActionExpired     = "expired"
	SupervisorActionFailed      = "failed"
	SupervisorActionSkipped     = "skipped"
	SupervisorActionError       = "error"
)

// Metrics groups the payment core collectors. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	gatewayRequests    *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	callbacks          *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	supervisorActions  *prometheus.CounterVec
	supervisorCycles   prometheus.Counter
	supervisorDuration prometheus.Histogram
	refundsRejected    *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobile_money_gateway_requests_total",
			Help: "Outbound provider calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mobile_money_gateway_request_duration_seconds",
			Help:    "Outbound provider call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobile_money_callbacks_total",
			Help: "Reconciliation attempts by trigger source and outcome.",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobile_money_transaction_transitions_total",
			Help: "Payment transaction status transitions.",
		}, []string{"from", "to"}),
		supervisorActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobile_money_supervisor_actions_total",
			Help: "Per-transaction supervisor actions.",
		}, []string{"action"}),
		supervisorCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mobile_money_supervisor_cycles_total",
			Help: "Completed supervisor scan cycles.",
		}),
		supervisorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mobile_money_supervisor_cycle_duration_seconds",
			Help:    "Supervisor scan cycle duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		refundsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobile_money_refunds_rejected_total",
			Help: "Refund requests rejected before disbursement.",
		}, []string{"reason"}),
	}

	registerer.MustRegister(
		m.gatewayRequests,
		m.gatewayDuration,
		m.callbacks,
		m.transitions,
		m.supervisorActions,
		m.supervisorCycles,
		m.supervisorDuration,
		m.refundsRejected,
	)

	return m
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(operation, outcome).Inc()
	m.gatewayDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) IncCallback(source, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncSupervisorAction(action string) {
	if m == nil {
		return
	}
	m.supervisorActions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveSupervisorCycle(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.supervisorCycles.Inc()
	m.supervisorDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncRefundRejected(reason string) {
	if m == nil {
		return
	}
	m.refundsRejected.WithLabelValues(reason).Inc()
}
