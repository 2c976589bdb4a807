package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics counts publisher dispositions per event type.
type OutboxMetrics struct {
	dispositions *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	dispositions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_total",
		Help: "Outbox rows handled by the publisher, by event type and disposition.",
	}, []string{"event_type", "disposition"})
	reg.MustRegister(dispositions)
	return &OutboxMetrics{dispositions: dispositions}
}

// Observe records one published, retried or dead-lettered row.
func (m *OutboxMetrics) Observe(eventType, disposition string) {
	if m == nil || m.dispositions == nil {
		return
	}
	m.dispositions.WithLabelValues(normalizeLabel(eventType), normalizeLabel(disposition)).Inc()
}
