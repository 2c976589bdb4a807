package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics tracks provisioning outcomes per supplier.
type FulfillmentMetrics struct {
	outcomes  *prometheus.CounterVec
	provision *prometheus.HistogramVec
}

func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_outcomes_total",
		Help: "Provisioning outcomes by supplier and result.",
	}, []string{"supplier", "outcome"})
	provision := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_provision_seconds",
		Help:    "Time spent placing and polling a supplier order.",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
	}, []string{"supplier"})
	reg.MustRegister(outcomes, provision)
	return &FulfillmentMetrics{outcomes: outcomes, provision: provision}
}

// ObserveOutcome records one classified provisioning attempt.
func (m *FulfillmentMetrics) ObserveOutcome(supplier, outcome string, elapsed time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(supplier), normalizeLabel(outcome)).Inc()
	if elapsed > 0 {
		m.provision.WithLabelValues(normalizeLabel(supplier)).Observe(elapsed.Seconds())
	}
}

// ReconciliationMetrics counts persisted status changes.
type ReconciliationMetrics struct {
	changes *prometheus.CounterVec
}

func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	if reg == nil {
		return &ReconciliationMetrics{}
	}
	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_status_changes_total",
		Help: "Distinct eSIM status changes persisted, by supplier and source.",
	}, []string{"supplier", "source"})
	reg.MustRegister(changes)
	return &ReconciliationMetrics{changes: changes}
}

func (m *ReconciliationMetrics) IncChange(supplier, source string) {
	if m == nil || m.changes == nil {
		return
	}
	m.changes.WithLabelValues(normalizeLabel(supplier), normalizeLabel(source)).Inc()
}
