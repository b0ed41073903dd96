package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confab_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	UsersRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confab_users_registered_total",
			Help: "Total users registered",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confab_sessions_created_total",
			Help: "Total sessions created",
		},
	)

	SessionJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_session_joins_total",
			Help: "Invite acceptances",
		},
		[]string{"result"}, // "joined", "already_member", "rejected"
	)

	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_messages_posted_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	SequenceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "confab_sequence_conflicts_total",
			Help: "Inserts rejected for reusing a sequence slot",
		},
	)

	CompletionStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_completion_streams_total",
			Help: "Completion streams by provider and outcome",
		},
		[]string{"provider", "outcome"}, // "settled", "failed", "cancelled"
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_completion_tokens_total",
			Help: "Streamed completion chunks",
		},
		[]string{"provider"},
	)

	// Realtime feed metrics
	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "confab_feed_subscribers",
			Help: "Open realtime feed subscriptions",
		},
	)

	FeedPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_feed_publish_errors_total",
			Help: "Failed feed publishes",
		},
		[]string{"backend"},
	)

	FeedDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_feed_dropped_total",
			Help: "Subscribers disconnected for falling behind",
		},
		[]string{"backend"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confab_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confab_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"backend", "op"},
	)
)
