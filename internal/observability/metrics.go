package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (flash-sale surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p99 on /voucher-order during a sale.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Cache lookups by read path (pass_through, logical, mutex) and outcome
	// (hit, miss, negative_hit, stale, not_found). Watch for: negative_hit spikes (penetration attempts).
	CacheLookupsTotal *prometheus.CounterVec

	// Background and mutex-guarded rebuilds by result (success, error, not_found, rejected).
	CacheRebuildsTotal *prometheus.CounterVec

	// Cache warming runs and failures.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Lock acquisitions by result (acquired, busy, error) and releases by result (released, not_held, error).
	LockAcquisitionsTotal *prometheus.CounterVec
	LockReleasesTotal     *prometheus.CounterVec

	// Identifiers handed out per business key.
	IDsGeneratedTotal *prometheus.CounterVec

	// Seckill admissions by result (admitted, stock_exhausted, duplicate, error).
	SeckillAdmissionsTotal *prometheus.CounterVec

	// Fulfillment outcomes (committed, duplicate, no_stock, error, lock_busy).
	SeckillFulfillmentsTotal *prometheus.CounterVec

	// Pending-list entries replayed by the recovery path.
	SeckillPendingReplaysTotal prometheus.Counter

	// Intents moved to the dead-letter stream, by reason (decode, max_deliveries).
	SeckillDeadLettersTotal *prometheus.CounterVec

	// Rebuild tasks rejected because the pool was saturated or stopped.
	WorkerPoolRejectedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Rate limit denials on the seckill route.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Cache lookups by read path and outcome",
		},
		[]string{"path", "outcome"},
	)
	CacheRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheRebuildsTotal",
			Help: "Cache rebuilds by result",
		},
		[]string{"result"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Total number of cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed id",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of a cache warming run",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockAcquisitionsTotal",
			Help: "Distributed lock acquisition attempts by result",
		},
		[]string{"result"},
	)
	LockReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockReleasesTotal",
			Help: "Distributed lock releases by result",
		},
		[]string{"result"},
	)
	IDsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idsGeneratedTotal",
			Help: "Identifiers generated per business key",
		},
		[]string{"businessKey"},
	)
	SeckillAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckillAdmissionsTotal",
			Help: "Seckill admission checks by result",
		},
		[]string{"result"},
	)
	SeckillFulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckillFulfillmentsTotal",
			Help: "Order intent fulfillment attempts by result",
		},
		[]string{"result"},
	)
	SeckillPendingReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seckillPendingReplaysTotal",
			Help: "Pending-list entries replayed after a consumer failure or restart",
		},
	)
	SeckillDeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seckillDeadLettersTotal",
			Help: "Order intents moved to the dead-letter stream",
		},
		[]string{"reason"},
	)
	WorkerPoolRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workerPoolRejectedTotal",
			Help: "Tasks rejected by the rebuild worker pool",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		CacheLookupsTotal, CacheRebuildsTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		LockAcquisitionsTotal, LockReleasesTotal,
		IDsGeneratedTotal,
		SeckillAdmissionsTotal, SeckillFulfillmentsTotal, SeckillPendingReplaysTotal, SeckillDeadLettersTotal,
		WorkerPoolRejectedTotal,
		CircuitBreakerState,
		RateLimitDeniedTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
