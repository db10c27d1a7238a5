package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox / CDC metrics
	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_outbox_backlog",
			Help: "Number of unpublished outbox events",
		},
	)

	OutboxOldestAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_outbox_oldest_age_seconds",
			Help: "Age of the oldest unpublished outbox event in seconds",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_events_published_total",
			Help: "Total outbox events published by topic",
		},
		[]string{"topic"},
	)

	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_publish_failures_total",
			Help: "Total failed publish attempts",
		},
	)

	PublisherCircuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_publisher_circuit_open",
			Help: "Whether the CDC publisher circuit is open (1 = open)",
		},
	)

	// Consumer metrics
	EventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_events_consumed_total",
			Help: "Total events processed by consumer and outcome",
		},
		[]string{"consumer", "outcome"},
	)

	ConsumerProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_consumer_processing_duration_seconds",
			Help:    "Handler processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"consumer"},
	)

	WriteToVisibleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_write_to_visible_seconds",
			Help:    "Latency from outbox insert to consumed derived state",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// DLQ metrics
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_dlq_depth",
			Help: "Number of unreplayed dead-letter entries",
		},
	)

	DLQEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_dlq_entries_total",
			Help: "Total events dead-lettered by consumer and error kind",
		},
		[]string{"consumer", "error_kind"},
	)

	DLQReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_dlq_replays_total",
			Help: "Total dead-letter entries replayed",
		},
	)

	// Ingest metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_uploads_total",
			Help: "Total collector uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadMiners = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_upload_miners_total",
			Help: "Total miner records accepted across uploads",
		},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_upload_duration_seconds",
			Help:    "Collector upload processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_rate_limit_rejections_total",
			Help: "Total requests rejected by the upload rate limiter",
		},
	)

	// Command metrics
	CommandsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_commands_created_total",
			Help: "Total commands created by type",
		},
		[]string{"type"},
	)

	CommandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_command_transitions_total",
			Help: "Total command status transitions by target status",
		},
		[]string{"status"},
	)

	CommandDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_command_dispatch_latency_seconds",
			Help:    "Latency from command creation to edge fetch",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OutboxBacklog)
	prometheus.MustRegister(OutboxOldestAgeSeconds)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(PublisherCircuitOpen)
	prometheus.MustRegister(EventsConsumed)
	prometheus.MustRegister(ConsumerProcessingDuration)
	prometheus.MustRegister(WriteToVisibleDuration)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQEntries)
	prometheus.MustRegister(DLQReplays)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadMiners)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(CommandsCreated)
	prometheus.MustRegister(CommandTransitions)
	prometheus.MustRegister(CommandDispatchLatency)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
