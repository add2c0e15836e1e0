package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_session_transitions_total", Help: "Instance connection state transitions"},
		[]string{"status"},
	)
	SessionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_session_restarts_total", Help: "Provider restarts"},
		[]string{"trigger"},
	)
	Sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wagate_sessions", Help: "Live instances by status"},
		[]string{"status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_enqueue_total", Help: "Job enqueue results"},
		[]string{"queue", "result"},
	)
	JobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_jobs_total", Help: "Job run outcomes"},
		[]string{"queue", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "wagate_job_duration_seconds", Help: "Job run duration"},
		[]string{"queue"},
	)
	QueueCleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_queue_cleaned_total", Help: "Jobs removed by housekeeping"},
		[]string{"queue"},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_webhook_deliveries_total", Help: "Webhook delivery attempts"},
		[]string{"result", "http_status"},
	)
	WebhookLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wagate_webhook_latency_seconds", Help: "Webhook delivery latency"},
	)
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_circuit_transitions_total", Help: "Per-destination breaker transitions"},
		[]string{"to"},
	)
	CloudAPISend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cloudapi_send_total", Help: "Cloud API send outcomes"},
		[]string{"result", "http_status"},
	)
	CloudAPILatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "cloudapi_send_latency_seconds", Help: "Cloud API send latency"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wagate_inbound_events_total", Help: "Inbound provider events"},
		[]string{"variant", "result"},
	)
	HeapBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wagate_heap_bytes", Help: "Heap in use at last telemetry check"},
	)
	Goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wagate_goroutines", Help: "Goroutines at last telemetry check"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, SessionTransitions, SessionRestarts, Sessions,
		Enqueues, JobOutcomes, JobDuration, QueueCleaned,
		WebhookDeliveries, WebhookLatency, CircuitTransitions,
		CloudAPISend, CloudAPILatency, InboundEvents,
		HeapBytes, Goroutines,
	)
}
