package broker

import "github.com/prometheus/client_golang/prometheus"

// metrics are the broker-wide prometheus instruments, scraped via the
// optional HTTP listener's /metrics route. Each Broker owns its own
// registry rather than registering against the global default, so building
// more than one Broker in the same process (as the test suite does) never
// panics on a duplicate registration.
type metrics struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	envelopesRouted   *prometheus.CounterVec
	injectionResults  *prometheus.CounterVec
	dedupHits         prometheus.Counter
	cloudReconnects   prometheus.Counter
	slowQueries       prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	m := &metrics{
		registry: registry,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections_active",
			Help:      "Number of Connections currently attached to the broker.",
		}),
		envelopesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "envelopes_routed_total",
			Help:      "Envelopes routed, partitioned by envelope type.",
		}, []string{"type"}),
		injectionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "injection_results_total",
			Help:      "PTY injection attempts, partitioned by outcome.",
		}, []string{"result"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "dedup_hits_total",
			Help:      "Inbound envelopes dropped as already-seen duplicates.",
		}),
		cloudReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "cloud_reconnects_total",
			Help:      "Cloud uplink disconnected-to-connected transitions, sampled every 5s (the first connect included).",
		}),
		slowQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "msglog_slow_queries_total",
			Help:      "Message-log queries exceeding the configured slow-query threshold.",
		}),
	}
	registry.MustRegister(
		m.connectionsActive,
		m.envelopesRouted,
		m.injectionResults,
		m.dedupHits,
		m.cloudReconnects,
		m.slowQueries,
	)
	return m
}
