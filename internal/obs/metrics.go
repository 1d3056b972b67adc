package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// The process-wide set of Prometheus collectors. All of them are registered
// with the default registry in init, so every binary (collector, consumer,
// api) exposes the full set, whether or not it updates a given collector.
var (
	MessagesPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_messages_published_total",
		Help: "Total envelopes published to the broker, by stream and area",
	}, []string{"stream", "area"})

	MessagesConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_messages_consumed_total",
		Help: "Total envelopes consumed, by stream, area and outcome (ack/retry/dlq)",
	}, []string{"stream", "area", "outcome"})

	RetryHeaderValue = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tb_retry_header_value",
		Help:    "Observed x-retry header value at the point of republish",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
	}, []string{"area"})

	AlertsInsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_alerts_inserted_total",
		Help: "Alert rows actually inserted (dedup survived), by client",
	}, []string{"client_id"})

	AlertsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_alerts_suppressed_total",
		Help: "Alerts suppressed by insert-if-not-recent dedup, by client",
	}, []string{"client_id"})

	NotificationsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_notifications_sent_total",
		Help: "Scheduler notifications actually delivered, by client",
	}, []string{"client_id"})

	NotificationsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_notifications_suppressed_total",
		Help: "Scheduler notifications suppressed by the dedup window, by client",
	}, []string{"client_id"})

	FanoutTargetErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_fanout_target_errors_total",
		Help: "Per-target errors during multi-DB read fan-out, by area and kind",
	}, []string{"area", "kind"})

	OPCUAReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_opcua_reads_total",
		Help: "OPC-UA node reads, by client and status class (good/uncertain/bad)",
	}, []string{"client_id", "status"})

	OPCUAReadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tb_opcua_read_latency_seconds",
		Help:    "Per-node OPC-UA read latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"client_id"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_errors_total",
		Help: "Domain errors by kind and retryability",
	}, []string{"kind", "retryable"})

	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tb_process_cpu_percent",
		Help: "Process CPU usage, normalized to its container/cgroup allocation",
	})

	ProcessCPUAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tb_process_cpu_allocated",
		Help: "CPUs allocated to this process (cgroup quota/period, or host NumCPU as fallback)",
	})

	OPCUACyclesSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tb_opcua_cycles_skipped_total",
		Help: "Sampling cycles skipped due to resource pressure, by client",
	}, []string{"client_id"})
)

func init() {
	prometheus.MustRegister(
		MessagesPublishedTotal,
		MessagesConsumedTotal,
		RetryHeaderValue,
		AlertsInsertedTotal,
		AlertsSuppressedTotal,
		NotificationsSentTotal,
		NotificationsSuppressedTotal,
		FanoutTargetErrorsTotal,
		OPCUAReadsTotal,
		OPCUAReadLatency,
		ErrorsTotal,
		ProcessCPUPercent,
		ProcessCPUAllocated,
		OPCUACyclesSkippedTotal,
	)
}

// RecordError increments ErrorsTotal for a domain error kind.
func RecordError(kind string, retryable bool) {
	retryLabel := "false"
	if retryable {
		retryLabel = "true"
	}
	ErrorsTotal.WithLabelValues(kind, retryLabel).Inc()
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
