package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the CAPA workflow.
// All methods are safe on a nil receiver so services can run without it.
type Metrics struct {
	// Accepted status transitions by entity and edge
	Transitions *prometheus.CounterVec

	// Rejected mutations by operation and error kind
	Rejections *prometheus.CounterVec

	// Ledger records committed by event and entity type
	AuditRecords *prometheus.CounterVec

	// Transaction latency by operation
	TxDuration *prometheus.HistogramVec

	// Actions changed per bulk completion call
	BulkCompleted prometheus.Histogram
}

// New registers the CAPA metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capa_status_transitions_total",
			Help: "Accepted status transitions by entity, from and to status",
		}, []string{"entity", "from", "to"}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capa_mutation_rejections_total",
			Help: "Rejected mutations by operation and error kind",
		}, []string{"op", "kind"}), // kind: validation, conflict, precondition, not_found, persistence

		AuditRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capa_audit_records_total",
			Help: "Audit records committed by event and entity type",
		}, []string{"event", "entity_type"}),

		TxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capa_tx_duration_seconds",
			Help:    "Duration of CAPA transactions by operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),

		BulkCompleted: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "capa_bulk_completed_actions",
			Help:    "Number of actions transitioned per bulk completion",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
	}
}

func (m *Metrics) IncTransition(entity, from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(entity, from, to).Inc()
	}
}

func (m *Metrics) IncRejection(op, kind string) {
	if m != nil {
		m.Rejections.WithLabelValues(op, kind).Inc()
	}
}

func (m *Metrics) IncAuditRecord(event, entityType string) {
	if m != nil {
		m.AuditRecords.WithLabelValues(event, entityType).Inc()
	}
}

func (m *Metrics) ObserveTx(op string, d time.Duration) {
	if m != nil {
		m.TxDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBulkCompleted(n int) {
	if m != nil {
		m.BulkCompleted.Observe(float64(n))
	}
}
