package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics
var (
	PoolConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_connections_total",
			Help: "Total number of pooled SMTP connections by terminal outcome",
		},
		[]string{"outcome"}, // closed, exhausted, error
	)

	PoolConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_connections_active",
			Help: "Number of currently open pooled SMTP connections",
		},
	)

	PoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_queue_depth",
			Help: "Number of submissions waiting for a connection",
		},
	)

	PoolSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_sends_total",
			Help: "Total number of message sends by result",
		},
		[]string{"result"}, // sent, failed, rejected
	)

	PoolSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pool_send_duration_seconds",
			Help:    "Duration of a single message send including dispatch wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	PoolRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pool_rate_limited_total",
			Help: "Total number of connection re-admissions parked by the rate limiter",
		},
	)
)

// Quota metrics
var (
	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Total number of submissions rejected by the monthly send quota",
		},
	)
)

// Archive metrics
var (
	ArchiveWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_writes_total",
			Help: "Total number of sent-message archive writes by status",
		},
		[]string{"status"}, // ok, error
	)
)
