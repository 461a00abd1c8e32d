// Package metrics provides Prometheus instrumentation for the DuelPoint platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duelpoint",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duelpoint",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChallengesTotal counts challenge outcomes by terminal status.
	ChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duelpoint",
			Name:      "challenges_total",
			Help:      "Total challenges by terminal status.",
		},
		[]string{"status"},
	)

	// SettlementConflictsTotal counts settlement transactions re-run after a
	// serialization conflict.
	SettlementConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Name:      "settlement_conflicts_total",
		Help:      "Total settlement transactions retried after a conflict.",
	})

	// ChallengesCreatedTotal counts challenges opened.
	ChallengesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Name:      "challenges_created_total",
		Help:      "Total challenges created.",
	})

	// ChallengesDisputedTotal counts disputes raised.
	ChallengesDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Name:      "challenges_disputed_total",
		Help:      "Total challenges disputed.",
	})

	// ChallengesExpiredTotal counts challenges refunded by the expiry sweeper.
	ChallengesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Name:      "challenges_expired_total",
		Help:      "Total challenges refunded after the proof deadline passed.",
	})

	// PlatformFeesTotal accumulates platform fees withheld on settlement.
	PlatformFeesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duelpoint",
		Name:      "platform_fees_total",
		Help:      "Total platform fee units withheld from released pots.",
	})

	// ChallengeDuration observes time from acceptance to resolution.
	ChallengeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duelpoint",
		Name:      "challenge_duration_seconds",
		Help:      "Time from challenge acceptance to resolution in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// PaymentsTotal counts external payment events by result.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duelpoint",
			Name:      "payments_total",
			Help:      "Total external payment events by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duelpoint",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duelpoint", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChallengesTotal,
		SettlementConflictsTotal,
		ChallengesCreatedTotal,
		ChallengesDisputedTotal,
		ChallengesExpiredTotal,
		PlatformFeesTotal,
		ChallengeDuration,
		PaymentsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
