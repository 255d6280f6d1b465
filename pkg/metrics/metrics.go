package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeysIssued counts unlock keys created, labelled by type (exam|pre) and source (admin|email).
	KeysIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_keys_issued_total",
			Help: "Total number of unlock keys issued",
		},
		[]string{"type", "source"},
	)

	// Redemptions counts redemption attempts by type and result
	// (success|invalid|expired|empty|error).
	Redemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_redemptions_total",
			Help: "Total number of unlock key redemption attempts",
		},
		[]string{"type", "result"},
	)

	EmailDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_email_deliveries_total",
			Help: "Total number of unlock key emails sent",
		},
		[]string{"provider", "result"},
	)

	// StoreErrors counts backend failures surfaced as store unavailability.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_store_errors_total",
			Help: "Total number of key-value store backend errors",
		},
		[]string{"backend", "operation"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// ExpiredPurged counts entries removed by the maintenance cleaner.
	ExpiredPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_expired_entries_purged_total",
			Help: "Total number of expired key-value entries purged by maintenance",
		},
		[]string{"backend"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unlockd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
