package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ridewire_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ridewire_connections_active",
			Help: "Live websocket connections on this instance",
		},
	)

	HandshakesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_handshakes_rejected_total",
			Help: "Rejected websocket handshakes",
		},
		[]string{"reason"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_events_received_total",
			Help: "Inbound client events",
		},
		[]string{"event"},
	)

	EventErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_event_errors_total",
			Help: "Error frames sent to clients",
		},
		[]string{"code"},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridewire_frames_dropped_total",
			Help: "Outbound frames dropped on full or closed connections",
		},
	)

	// Fan-out metrics
	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_fanout_published_total",
			Help: "Envelopes published to the fan-out broker",
		},
		[]string{"backend", "kind"},
	)

	// Business metrics
	DispatchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_dispatch_transitions_total",
			Help: "Dispatch request state transitions",
		},
		[]string{"status"},
	)

	DispatchAcceptConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridewire_dispatch_accept_conflicts_total",
			Help: "Accept attempts that lost the race",
		},
	)

	LocationUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ridewire_location_updates_total",
			Help: "Accepted location samples",
		},
	)

	ZoneTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_zone_transitions_total",
			Help: "Zone entries and exits",
		},
		[]string{"zone_kind", "transition"},
	)

	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_messages_relayed_total",
			Help: "Relayed messages by outcome",
		},
		[]string{"outcome"}, // "delivered", "queued", "flushed", "expired", "evicted", "unreadable", "requeued"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ridewire_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ridewire_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ridewire_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
