package entity

import "github.com/prometheus/client_golang/prometheus"

type engineMetrics struct {
	ops *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "entity",
			Name:      "operations_total",
			Help:      "Entity operations by kind.",
		}, []string{"op"}),
	}
	if reg != nil {
		// First registrant wins; duplicates keep their own collector.
		_ = reg.Register(m.ops)
	}
	return m
}

// op records one completed operation. Safe on a nil receiver so the engine
// works without metrics wired.
func (m *engineMetrics) op(kind string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(kind).Inc()
}
