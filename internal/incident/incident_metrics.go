package incident

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/escalation"
)

// Metrics holds Prometheus metrics for the engine.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	RoutingTotal      *prometheus.CounterVec
	CorrelationsTotal prometheus.Counter
	CorrelatedGroups  prometheus.Histogram
	ActionsTotal      *prometheus.CounterVec
	DispatchTotal     *prometheus.CounterVec
	DispatchDuration  *prometheus.HistogramVec
	EscalationsTotal  *prometheus.CounterVec
	AutoClosedTotal   prometheus.Counter
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Ingested alert events by dedup outcome.",
		}, []string{"outcome"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_ingest_duration_seconds",
			Help:    "Duration of the synchronous ingest path in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		RoutingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_routing_decisions_total",
			Help: "Routing decisions by result (routed, unrouted, error).",
		}, []string{"result"}),
		CorrelationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_correlations_total",
			Help: "Correlations recorded for newly opened groups.",
		}),
		CorrelatedGroups: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_correlation_related_groups",
			Help:    "Related groups per correlation.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_group_actions_total",
			Help: "Group state changes by action.",
		}, []string{"action"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dispatch_total",
			Help: "Dispatch attempts by kind and status.",
		}, []string{"kind", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_dispatch_duration_seconds",
			Help:    "Duration of dispatches including retries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"kind"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_escalation_fires_total",
			Help: "Escalation job deliveries by outcome.",
		}, []string{"outcome"}),
		AutoClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_auto_closed_total",
			Help: "Groups resolved by the inactivity sweep.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.IngestDuration,
		m.RoutingTotal,
		m.CorrelationsTotal,
		m.CorrelatedGroups,
		m.ActionsTotal,
		m.DispatchTotal,
		m.DispatchDuration,
		m.EscalationsTotal,
		m.AutoClosedTotal,
	)

	return m
}

// Hooks returns service Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(outcome string, seconds float64) {
			m.EventsTotal.WithLabelValues(outcome).Inc()
			m.IngestDuration.Observe(seconds)
		},
		OnRoute: func(result string) {
			m.RoutingTotal.WithLabelValues(result).Inc()
		},
		OnCorrelate: func(related int) {
			m.CorrelationsTotal.Inc()
			m.CorrelatedGroups.Observe(float64(related))
		},
		OnAction: func(action string) {
			m.ActionsTotal.WithLabelValues(action).Inc()
		},
	}
}

// EscalationHooks returns scheduler and sweeper hooks.
func (m *Metrics) EscalationHooks() escalation.Hooks {
	return escalation.Hooks{
		OnFire: func(outcome escalation.FireOutcome, _ int) {
			m.EscalationsTotal.WithLabelValues(string(outcome)).Inc()
		},
		OnAutoClose: func(string) {
			m.AutoClosedTotal.Inc()
		},
	}
}

// ObserveDispatch records one dispatch attempt.
func (m *Metrics) ObserveDispatch(a dispatch.Attempt) {
	status := "success"
	if !a.Success {
		status = "error"
	}
	m.DispatchTotal.WithLabelValues(string(a.Kind), status).Inc()
	m.DispatchDuration.WithLabelValues(string(a.Kind)).Observe(a.Duration.Seconds())
}
