package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue state metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Number of messages per queue and status",
		},
		[]string{"queue", "status"},
	)

	QueuesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queues_total",
			Help: "Total number of queues",
		},
	)

	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_operations_total",
			Help: "Total number of queue operations by queue and action",
		},
		[]string{"queue", "action"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_operation_duration_seconds",
			Help:    "Queue operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Anomaly metrics
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_anomalies_total",
			Help: "Total number of detected anomalies by type and severity",
		},
		[]string{"type", "severity"},
	)

	// Reaper metrics
	MessagesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_reaped_total",
			Help: "Total number of expired locks reclaimed by the reaper",
		},
	)

	// Buffer metrics
	BufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_buffer_size",
			Help: "Messages currently held in the enqueue buffer",
		},
	)

	BufferFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_buffer_flushes_total",
			Help: "Total number of buffer flushes by result",
		},
		[]string{"result"},
	)

	// Event bus metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_event_subscribers_total",
			Help: "Current number of event bus subscribers",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_events_dropped_total",
			Help: "Total number of events dropped because a subscriber lagged",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueuesTotal)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(MessagesReaped)
	prometheus.MustRegister(BufferSize)
	prometheus.MustRegister(BufferFlushesTotal)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
