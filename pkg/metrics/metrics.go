package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Classifier metrics
	VerdictsTotal       *prometheus.CounterVec
	VerdictConfidence   *prometheus.HistogramVec
	DetectionLatency    *prometheus.HistogramVec
	ChunksProcessed     *prometheus.CounterVec
	ActiveCalls         prometheus.Gauge

	// Dispatcher metrics
	EventsEmitted       *prometheus.CounterVec
	EventsDispatched    *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	DispatchRetries     *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	DispatchLatency     *prometheus.HistogramVec

	// Subscription metrics
	SubscriptionsActive prometheus.Gauge

	// Event store metrics
	StoreWrites         *prometheus.CounterVec
	StoreWriteFailures  *prometheus.CounterVec

	// Broadcast metrics
	BroadcastsPublished *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		VerdictsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_verdicts_total",
				Help: "Total number of surfaced classification verdicts",
			},
			[]string{"result", "method"},
		)

		VerdictConfidence = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callsignal_verdict_confidence",
				Help:    "Confidence of surfaced classification verdicts",
				Buckets: prometheus.LinearBuckets(0.5, 0.05, 10),
			},
			[]string{"result"},
		)

		DetectionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callsignal_detection_latency_seconds",
				Help:    "Processing latency of classification decisions",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
			},
			[]string{"source"},
		)

		ChunksProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_audio_chunks_processed_total",
				Help: "Total number of audio chunks processed",
			},
			[]string{"call_id"},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callsignal_active_calls",
				Help: "Number of calls with buffered classification state",
			},
		)

		EventsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_events_emitted_total",
				Help: "Total number of events accepted by the dispatcher",
			},
			[]string{"type", "priority"},
		)

		EventsDispatched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_events_dispatched_total",
				Help: "Total number of events dispatched to completion",
			},
			[]string{"type"},
		)

		DispatchFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_dispatch_failures_total",
				Help: "Total number of dispatch attempts that failed",
			},
			[]string{"type", "terminal"},
		)

		DispatchRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_dispatch_retries_total",
				Help: "Total number of dispatch retries scheduled",
			},
			[]string{"type"},
		)

		QueueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callsignal_queue_depth",
				Help: "Number of live envelopes in the dispatch queue",
			},
		)

		DispatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callsignal_dispatch_latency_seconds",
				Help:    "Time from emit to completed dispatch",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"priority"},
		)

		SubscriptionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callsignal_subscriptions_active",
				Help: "Number of registered subscriptions",
			},
		)

		StoreWrites = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_store_writes_total",
				Help: "Total number of event log writes to the durable sink",
			},
			[]string{"backend"},
		)

		StoreWriteFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_store_write_failures_total",
				Help: "Total number of failed event log writes",
			},
			[]string{"backend"},
		)

		BroadcastsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callsignal_broadcasts_published_total",
				Help: "Total number of broadcast side-effect invocations",
			},
			[]string{"transport", "status"},
		)

		registry.MustRegister(
			VerdictsTotal,
			VerdictConfidence,
			DetectionLatency,
			ChunksProcessed,
			ActiveCalls,
			EventsEmitted,
			EventsDispatched,
			DispatchFailures,
			DispatchRetries,
			QueueDepth,
			DispatchLatency,
			SubscriptionsActive,
			StoreWrites,
			StoreWriteFailures,
			BroadcastsPublished,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// RecordVerdict records a surfaced classification verdict
func RecordVerdict(result, method string, confidence float64, latency time.Duration, source string) {
	if !metricsEnabled || VerdictsTotal == nil {
		return
	}
	VerdictsTotal.WithLabelValues(result, method).Inc()
	VerdictConfidence.WithLabelValues(result).Observe(confidence)
	DetectionLatency.WithLabelValues(source).Observe(latency.Seconds())
}

// RecordChunk records one processed audio chunk
func RecordChunk(callID string) {
	if !metricsEnabled || ChunksProcessed == nil {
		return
	}
	ChunksProcessed.WithLabelValues(callID).Inc()
}

// SetActiveCalls updates the active call gauge
func SetActiveCalls(count int) {
	if !metricsEnabled || ActiveCalls == nil {
		return
	}
	ActiveCalls.Set(float64(count))
}

// RecordEmit records an event accepted by the dispatcher
func RecordEmit(eventType, priority string) {
	if !metricsEnabled || EventsEmitted == nil {
		return
	}
	EventsEmitted.WithLabelValues(eventType, priority).Inc()
}

// RecordDispatched records a completed dispatch
func RecordDispatched(eventType, priority string, latency time.Duration) {
	if !metricsEnabled || EventsDispatched == nil {
		return
	}
	EventsDispatched.WithLabelValues(eventType).Inc()
	DispatchLatency.WithLabelValues(priority).Observe(latency.Seconds())
}

// RecordDispatchFailure records a failed dispatch attempt
func RecordDispatchFailure(eventType string, terminal bool) {
	if !metricsEnabled || DispatchFailures == nil {
		return
	}
	label := "false"
	if terminal {
		label = "true"
	}
	DispatchFailures.WithLabelValues(eventType, label).Inc()
}

// RecordRetry records a scheduled dispatch retry
func RecordRetry(eventType string) {
	if !metricsEnabled || DispatchRetries == nil {
		return
	}
	DispatchRetries.WithLabelValues(eventType).Inc()
}

// SetQueueDepth updates the live queue depth gauge
func SetQueueDepth(depth int) {
	if !metricsEnabled || QueueDepth == nil {
		return
	}
	QueueDepth.Set(float64(depth))
}

// SetSubscriptions updates the active subscription gauge
func SetSubscriptions(count int) {
	if !metricsEnabled || SubscriptionsActive == nil {
		return
	}
	SubscriptionsActive.Set(float64(count))
}

// RecordStoreWrite records a durable sink write attempt
func RecordStoreWrite(backend string, failed bool) {
	if !metricsEnabled || StoreWrites == nil {
		return
	}
	StoreWrites.WithLabelValues(backend).Inc()
	if failed {
		StoreWriteFailures.WithLabelValues(backend).Inc()
	}
}

// RecordBroadcast records a broadcast side-effect invocation
func RecordBroadcast(transport, status string) {
	if !metricsEnabled || BroadcastsPublished == nil {
		return
	}
	BroadcastsPublished.WithLabelValues(transport, status).Inc()
}

// EnableMetrics enables or disables metric recording
func EnableMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}
