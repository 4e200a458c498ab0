package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared across the bus, coordinator,
// and streaming gateways.
type Metrics struct {
	BusDrops          *prometheus.CounterVec
	BusBufferDepth    *prometheus.GaugeVec
	LaunchRetries     prometheus.Counter
	LaunchFailures    prometheus.Counter
	ReapedRuns        prometheus.Counter
	ClientOverflows   *prometheus.CounterVec
	ActiveSubscribers *prometheus.GaugeVec
}

// NewMetrics registers and returns the shared metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runcore",
			Subsystem: "bus",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped from a subscriber's buffer due to backpressure.",
		}, []string{"channel_kind"}),
		BusBufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runcore",
			Subsystem: "bus",
			Name:      "subscriber_buffer_depth",
			Help:      "Current buffered message count for a subscriber.",
		}, []string{"channel_kind"}),
		LaunchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runcore",
			Subsystem: "coordinator",
			Name:      "launch_retries_total",
			Help:      "Count of CSA.launch retries due to TransientError.",
		}),
		LaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runcore",
			Subsystem: "coordinator",
			Name:      "launch_failures_total",
			Help:      "Count of runs that failed to launch a worker.",
		}),
		ReapedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runcore",
			Subsystem: "coordinator",
			Name:      "reaped_runs_total",
			Help:      "Count of runs transitioned to failed by the reaper.",
		}),
		ClientOverflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runcore",
			Subsystem: "streaming",
			Name:      "client_overflows_total",
			Help:      "Count of streaming connections closed due to overflow.",
		}, []string{"gateway"}),
		ActiveSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runcore",
			Subsystem: "bus",
			Name:      "active_subscribers",
			Help:      "Current number of live bus subscriptions.",
		}, []string{"channel_kind"}),
	}

	reg.MustRegister(
		m.BusDrops,
		m.BusBufferDepth,
		m.LaunchRetries,
		m.LaunchFailures,
		m.ReapedRuns,
		m.ClientOverflows,
		m.ActiveSubscribers,
	)

	return m
}
