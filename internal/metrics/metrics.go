package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Ingest metrics
	MessagesAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_messages_admitted_total",
			Help: "Messages persisted and broadcast",
		},
		[]string{"room_type"}, // "public" or "private"
	)

	MessageReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_message_replays_total",
			Help: "Sends resolved to an already admitted correlation token",
		},
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_ingest_failures_total",
			Help: "Rejected or failed message submissions",
		},
		[]string{"reason"},
	)

	ReceiptsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_receipts_recorded_total",
			Help: "Receipts that grew a delivered or read set",
		},
		[]string{"kind"},
	)

	MessageEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_message_edits_total",
			Help: "Message edits and deletes",
		},
		[]string{"op"},
	)

	// Realtime metrics
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_live_connections",
			Help: "Open WebSocket sessions",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_inbound_events_total",
			Help: "Client events received",
		},
		[]string{"type"},
	)

	TypingRelays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_typing_relays_total",
			Help: "Typing signals relayed to a room",
		},
	)

	SlowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_slow_consumer_disconnects_total",
			Help: "Sessions closed because their outbound queue overflowed",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomsync_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"op"},
	)
)
