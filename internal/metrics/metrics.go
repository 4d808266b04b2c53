package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "companion_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	// Ingestion metrics
	ReadingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_readings_ingested_total",
			Help: "Readings accepted by the ingestion service",
		},
		[]string{"kind", "source"}, // kind: biometric, location; source: http, mqtt, kafka, generator
	)

	ReadingsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_readings_rejected_total",
			Help: "Readings rejected by validation or storage",
		},
		[]string{"kind", "reason"},
	)

	// Evaluation metrics
	RulesSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_rules_skipped_total",
			Help: "Malformed rules or zones skipped during evaluation",
		},
	)

	RuleSnapshotAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_rule_snapshot_age_seconds",
			Help: "Age of the rule and zone snapshot served to evaluators",
		},
	)

	// Alert metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_alerts_created_total",
			Help: "Alerts created",
		},
		[]string{"type", "severity"},
	)

	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_alert_transitions_total",
			Help: "Alert lifecycle transitions",
		},
		[]string{"action", "result"}, // action: acknowledge, resolve; result: ok, rejected
	)

	// Hub metrics
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_hub_connections",
			Help: "Live push connections",
		},
	)

	HubEventsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_hub_events_sent_total",
			Help: "Events queued for delivery to connections",
		},
		[]string{"type"},
	)

	HubDeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_hub_delivery_failures_total",
			Help: "Events dropped because a connection was full or dead",
		},
		[]string{"reason"}, // reason: queue_full, write_error, ping_timeout
	)

	// Generator metrics
	GeneratorTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_generator_ticks_total",
			Help: "Generator ticks executed",
		},
	)

	GeneratorRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_generator_running",
			Help: "1 when the periodic generator is running",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_worker_queue_size",
			Help: "Current size of the stream worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "companion_worker_queue_capacity",
			Help: "Capacity of the stream worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_worker_processed_total",
			Help: "Stream records published by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_worker_failed_total",
			Help: "Stream records that failed to publish",
		},
	)

	WorkerDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_worker_dropped_total",
			Help: "Stream records dropped because the queue was full",
		},
	)

	WorkerBatchPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "companion_worker_batch_publish_duration_seconds",
			Help:    "Time taken to publish a batch to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_kafka_consumed_total",
			Help: "Telemetry messages consumed from Kafka",
		},
		[]string{"status"}, // status: ok, decode_error, rejected
	)

	MQTTMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_mqtt_messages_total",
			Help: "Telemetry messages received over MQTT",
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
