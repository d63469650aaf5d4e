// Package metrics declares the prometheus series exposed by the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: apx (application-level grouping)
// - subsystem: websocket, registry, deathlink, circuit_breaker, rate_limit, redis
// - name: specific metric (connections_active, messages_total, etc.)

var (
	// ActiveConnections tracks the current number of client<->upstream pairs.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apx",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active client connections",
	})

	// RegisteredClients tracks the current size of the client registry.
	RegisteredClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apx",
		Subsystem: "registry",
		Name:      "clients_active",
		Help:      "Current number of clients registered for bounce routing",
	})

	// MessagesTotal tracks processed commands by command name and direction.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "websocket",
		Name:      "messages_total",
		Help:      "Total commands processed",
	}, []string{"cmd", "direction"})

	// MessageProcessingDuration tracks time spent processing one frame.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apx",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing one WebSocket frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"direction"})

	// ConnectionsClosed tracks terminations by reason.
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "websocket",
		Name:      "connections_closed_total",
		Help:      "Total connections closed, by reason",
	}, []string{"reason"})

	// DeathLinksRouted tracks DeathLink fanout decisions.
	DeathLinksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "deathlink",
		Name:      "routed_total",
		Help:      "Total DeathLink bounce deliveries, by outcome",
	}, []string{"outcome"})

	// CircuitBreakerState: 0 Closed, 1 Open, 2 Half-Open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "apx",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks admin-surface rate limit rejections.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total admin requests that exceeded the rate limit",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks cache reads/writes for the exclusion set
	// and DeathLink probability.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "apx",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "apx",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// DataPackageCacheSize tracks the number of games held in the cache.
	DataPackageCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apx",
		Subsystem: "datapackage",
		Name:      "games_cached",
		Help:      "Number of games present in the DataPackage cache",
	})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
