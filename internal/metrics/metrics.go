package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_intake_messages_total",
			Help: "Total number of raw messages received",
		},
		[]string{"transport"},
	)

	MessageBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_intake_bytes_total",
			Help: "Total bytes of raw message data received",
		},
	)

	IntakeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_intake_overflow_dropped_total",
			Help: "Messages discarded because the parse queue was full",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_intake_rate_limited_total",
			Help: "Messages discarded by the per-source rate limiter",
		},
	)

	// Parser metrics
	EventsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_parser_events_total",
			Help: "Events produced by the wire parser",
		},
		[]string{"format"},
	)

	ParseRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_parser_rejected_total",
			Help: "Messages rejected for empty payload or out-of-range priority",
		},
	)

	ParseWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_parser_warnings_total",
			Help: "Events parsed best-effort with a parse warning",
		},
	)

	// Retention metrics
	RetentionSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syslogd_retention_size_bytes",
			Help: "Estimated size of retained events",
		},
	)

	RetentionEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syslogd_retention_events",
			Help: "Number of retained events",
		},
	)

	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_retention_evicted_total",
			Help: "Events dropped by partition eviction",
		},
	)

	// Filter metrics
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_filter_rule_matches_total",
			Help: "Rule matches by action",
		},
		[]string{"action"},
	)

	// Forwarder metrics
	EventsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_forwarder_sent_total",
			Help: "Events delivered per forwarder target",
		},
		[]string{"target"},
	)

	ForwarderDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_forwarder_dropped_total",
			Help: "Events dropped per forwarder target (queue full or retries exhausted)",
		},
		[]string{"target", "reason"},
	)

	ForwarderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syslogd_forwarder_errors_total",
			Help: "Transmission errors per forwarder target",
		},
		[]string{"target"},
	)

	// Live bus metrics
	BusPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_bus_published_total",
			Help: "Events published to the live event bus",
		},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syslogd_bus_dropped_total",
			Help: "Events dropped because the bus publish queue was full",
		},
	)

	// Pipeline queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syslogd_queue_depth",
			Help: "Current depth of a pipeline stage queue",
		},
		[]string{"stage"},
	)
)
