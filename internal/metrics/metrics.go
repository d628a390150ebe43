package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"model", "upstream_model", "stream", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geminigateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "upstream_model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_estimated_tokens_total",
			Help: "Total number of estimated (word count) tokens processed",
		},
		[]string{"model", "type"},
	)

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_sessions_created_total",
			Help: "Upstream conversations created, by reason",
		},
		[]string{"reason"},
	)

	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_sessions_evicted_total",
			Help: "Sessions removed from the registry, by reason",
		},
		[]string{"reason"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geminigateway_active_sessions",
			Help: "Number of sessions held in the registry",
		},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_upstream_errors_total",
			Help: "Total number of upstream errors",
		},
		[]string{"kind"},
	)

	ClientInits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_upstream_client_inits_total",
			Help: "Upstream client initialization attempts",
		},
		[]string{"status"},
	)

	ClientInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geminigateway_upstream_client_invalidations_total",
			Help: "Times the cached upstream client was dropped after a credential failure",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geminigateway_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"caller"},
	)

	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geminigateway_stream_chunks_total",
			Help: "Synthetic stream chunks written",
		},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geminigateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geminigateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geminigateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(model, upstreamModel string, stream bool, status string, durationSec float64) {
	streamLabel := "false"
	if stream {
		streamLabel = "true"
	}
	RequestsTotal.WithLabelValues(model, upstreamModel, streamLabel, status).Inc()
	RequestDuration.WithLabelValues(model, upstreamModel).Observe(durationSec)
}

func RecordTokens(model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

func RecordSessionCreated(reason string) {
	SessionsCreated.WithLabelValues(reason).Inc()
}

func RecordSessionEvicted(reason string, n int) {
	SessionsEvicted.WithLabelValues(reason).Add(float64(n))
}

func SetActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
}

func RecordUpstreamError(kind string) {
	UpstreamErrors.WithLabelValues(kind).Inc()
}

func RecordClientInit(status string) {
	ClientInits.WithLabelValues(status).Inc()
}

func RecordClientInvalidation() {
	ClientInvalidations.Inc()
}

func RecordRateLimitHit(caller string) {
	RateLimitHits.WithLabelValues(caller).Inc()
}

func RecordStreamChunks(n int) {
	StreamChunks.Add(float64(n))
}

// Instance-aware metrics for horizontal scaling
var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

// IncrementActiveConnections increments the active connection count for this pod.
func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveConnections decrements the active connection count for this pod.
func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

// IncrementActiveStreams increments the active stream count for this pod.
func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

// DecrementActiveStreams decrements the active stream count for this pod.
func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}
