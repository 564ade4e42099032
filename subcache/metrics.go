package subcache

import "github.com/prometheus/client_golang/prometheus"

// cacheMetrics holds Prometheus metrics for subscription cache operations.
type cacheMetrics struct {
	active            prometheus.Gauge
	opened            prometheus.Counter
	closed            prometheus.Counter
	cleanupsCancelled prometheus.Counter
	fanOutFailures    prometheus.Counter
}

// newCacheMetrics creates and registers the cache metrics with the provided
// registerer. Re-registration of identical collectors is tolerated so that
// several sessions can share one registerer in tests.
func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	m := &cacheMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodekit",
			Subsystem: "subcache",
			Name:      "entries",
			Help:      "Current number of deduplicated subscription entries",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "subcache",
			Name:      "subscriptions_opened_total",
			Help:      "Total low-level subscriptions opened",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "subcache",
			Name:      "subscriptions_closed_total",
			Help:      "Total low-level subscriptions closed",
		}),
		cleanupsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "subcache",
			Name:      "cleanups_cancelled_total",
			Help:      "Cleanup timers cancelled by a subscriber arriving within the grace window",
		}),
		fanOutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodekit",
			Subsystem: "subcache",
			Name:      "fanout_failures_total",
			Help:      "Subscriber callbacks that panicked during fan-out",
		}),
	}

	for _, col := range []prometheus.Collector{
		m.active, m.opened, m.closed, m.cleanupsCancelled, m.fanOutFailures,
	} {
		// Duplicate registration keeps local collectors unexported; the
		// first registrant wins on the scrape endpoint.
		_ = reg.Register(col)
	}
	return m
}
