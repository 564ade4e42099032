package resolver

import "github.com/prometheus/client_golang/prometheus"

// resolverMetrics holds Prometheus metrics for resolution outcomes.
type resolverMetrics struct {
	resolutions *prometheus.CounterVec
}

func newResolverMetrics(reg prometheus.Registerer) *resolverMetrics {
	m := &resolverMetrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Resolutions by outcome (found, not_found, timed_out, error)",
		}, []string{"outcome"}),
	}
	// First registrant wins on duplicate registration.
	_ = reg.Register(m.resolutions)
	return m
}
