package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcileMetrics tracks verification outcomes, gateway calls, alerts and token refreshes.
type ReconcileMetrics struct {
	outcomes      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	candidates    prometheus.Gauge
	gatewayCalls  *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
}

// NewReconcileMetrics registers the reconciliation metrics. A nil registerer yields a no-op recorder.
func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	if reg == nil {
		return &ReconcileMetrics{}
	}
	m := &ReconcileMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_order_outcomes_total",
			Help: "Per-order verification outcomes.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_cycle_duration_seconds",
			Help:    "Wall time of a reconciliation cycle.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 240},
		}),
		candidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconcile_cycle_candidates",
			Help: "Candidates selected by the most recent cycle.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_gateway_requests_total",
			Help: "Gateway status queries by result.",
		}, []string{"result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_alerts_total",
			Help: "Operator alerts by class and delivery state.",
		}, []string{"class", "result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_token_refresh_total",
			Help: "OAuth token refresh attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.outcomes, m.cycleDuration, m.candidates, m.gatewayCalls, m.alerts, m.refreshes)
	return m
}

func (m *ReconcileMetrics) IncOutcome(outcome string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveCycle records cycle duration and the candidate count.
func (m *ReconcileMetrics) ObserveCycle(duration time.Duration, candidates int) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
	m.candidates.Set(float64(candidates))
}

func (m *ReconcileMetrics) IncGatewayCall(result string) {
	if m == nil || m.gatewayCalls == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncAlert counts alerts; result is one of sent, suppressed, failed or abandoned.
func (m *ReconcileMetrics) IncAlert(class, result string) {
	if m == nil || m.alerts == nil {
		return
	}
	m.alerts.WithLabelValues(normalizeLabel(class), normalizeLabel(result)).Inc()
}

func (m *ReconcileMetrics) IncTokenRefresh(result string) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.WithLabelValues(normalizeLabel(result)).Inc()
}
