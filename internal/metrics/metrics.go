package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TaskEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharetask",
			Name:      "task_events_total",
			Help:      "Count of task events processed by the reconciler.",
		},
		[]string{"kind", "type"},
	)

	ChannelErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sharetask",
			Name:      "channel_errors_total",
			Help:      "Errors returned by remote file channel operations.",
		},
		[]string{"backend", "op"},
	)

	ChannelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sharetask",
			Name:      "channel_latency_seconds",
			Help:      "Latency of remote file channel operations.",
		},
		[]string{"backend", "op"},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sharetask",
			Name:      "active_tasks",
			Help:      "Number of tasks currently running or suspended.",
		},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sharetask",
			Name:      "bytes_received_total",
			Help:      "Bytes written to destinations by read tasks.",
		},
	)
)

// Register registers the sharetask metrics into the default registry.
func Register() {
	prometheus.MustRegister(TaskEvents, ChannelErrors, ChannelLatency, ActiveTasks, BytesReceived)
}
