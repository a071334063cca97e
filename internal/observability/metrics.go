package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScoringRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurum",
		Name:      "scoring_requests_total",
		Help:      "Single-image submissions by execution mode",
	}, []string{"mode"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurum",
		Name:      "jobs_total",
		Help:      "Jobs reaching a lifecycle state",
	}, []string{"state"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aurum",
		Name:      "inference_duration_seconds",
		Help:      "Duration of scoring pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"stage"})

	StageSimulated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aurum",
		Name:      "stage_simulated",
		Help:      "1 when an inference stage runs its simulated backend",
	}, []string{"stage"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aurum",
		Name:      "queue_depth",
		Help:      "Number of pending scoring tasks in queue",
	})

	QueueAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aurum",
		Name:      "queue_available",
		Help:      "1 when submissions go through the broker, 0 in degraded mode",
	})

	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aurum",
		Name:      "batch_items_total",
		Help:      "Batch items processed by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aurum",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aurum",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
