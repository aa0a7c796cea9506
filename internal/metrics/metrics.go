// Package metrics exposes prometheus counters for the transition engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	executions *prometheus.CounterVec
	moved      *prometheus.CounterVec
	undos      prometheus.Counter
	failures   *prometheus.CounterVec
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohortline",
			Name:      "transition_executions_total",
			Help:      "Committed transition batches by transition type.",
		}, []string{"transition_type"}),
		moved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohortline",
			Name:      "students_moved_total",
			Help:      "Students moved by committed batches, by movement.",
		}, []string{"movement"}),
		undos: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cohortline",
			Name:      "transition_undos_total",
			Help:      "Committed undo operations.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cohortline",
			Name:      "engine_errors_total",
			Help:      "Rejected or failed engine operations by operation and error kind.",
		}, []string{"operation", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.moved, m.undos, m.failures)
	}
	return m
}

func (m *Metrics) Executed(transitionType string, advanced, archived, heldBack int) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(transitionType).Inc()
	m.moved.WithLabelValues("advanced").Add(float64(advanced))
	m.moved.WithLabelValues("archived").Add(float64(archived))
	m.moved.WithLabelValues("held_back").Add(float64(heldBack))
}

func (m *Metrics) Undone() {
	if m == nil {
		return
	}
	m.undos.Inc()
}

func (m *Metrics) Failed(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
}
