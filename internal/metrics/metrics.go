package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts all HTTP requests processed by the service.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests handled by the service.",
		},
		[]string{"path", "method", "status"},
	)

	// HTTPRequestDuration measures how long HTTP handlers take to respond.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// CacheOperations tracks operations performed through the cache service.
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvcache_operations_total",
			Help: "Count of cache service operations.",
		},
		[]string{"operation", "status"},
	)

	// CacheOperationDuration measures how long cache service operations take.
	CacheOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvcache_operation_duration_seconds",
			Help:    "Histogram of latencies for cache service operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// StoreCommands counts commands sent on each store connection.
	StoreCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvcache_store_commands_total",
			Help: "Count of commands sent to the key-value store per connection role.",
		},
		[]string{"connection", "command", "status"},
	)

	// StoreDials counts connection attempts per connection role.
	StoreDials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvcache_store_dials_total",
			Help: "Count of TCP dials to the key-value store per connection role.",
		},
		[]string{"connection", "status"},
	)

	// PubSubMessages counts messages received on the subscriber connection.
	PubSubMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvcache_pubsub_messages_total",
			Help: "Number of pub/sub messages received by the subscriber connection.",
		},
	)

	// PubSubHandlerFailures counts handler invocations that returned an error or panicked.
	PubSubHandlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvcache_pubsub_handler_failures_total",
			Help: "Number of pub/sub handler invocations that failed.",
		},
	)

	// PubSubChannels reports how many channels currently have handlers.
	PubSubChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvcache_pubsub_channels",
			Help: "Number of channels with at least one registered handler.",
		},
	)

	// NearCacheHits counts reads served by the in-process near cache.
	NearCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvcache_near_cache_hits_total",
			Help: "Number of reads served by the near cache.",
		},
	)

	// NearCacheMisses counts reads that fell through to the store.
	NearCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvcache_near_cache_misses_total",
			Help: "Number of near cache misses.",
		},
	)

	// RelayForwards counts messages forwarded to NATS.
	RelayForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvcache_relay_forwards_total",
			Help: "Count of pub/sub messages relayed to NATS.",
		},
		[]string{"status"},
	)
)

// Register registers all metrics in the default registry.
func Register() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CacheOperations,
		CacheOperationDuration,
		StoreCommands,
		StoreDials,
		PubSubMessages,
		PubSubHandlerFailures,
		PubSubChannels,
		NearCacheHits,
		NearCacheMisses,
		RelayForwards,
	)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCacheOp records the outcome and duration of a cache operation.
func RecordCacheOp(operation string, err error, durationSeconds float64) {
	CacheOperations.WithLabelValues(operation, status(err)).Inc()
	CacheOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordStoreCommand increments StoreCommands with result status.
func RecordStoreCommand(connection, command string, err error) {
	StoreCommands.WithLabelValues(connection, command, status(err)).Inc()
}

// RecordDial increments StoreDials with result status.
func RecordDial(connection string, err error) {
	StoreDials.WithLabelValues(connection, status(err)).Inc()
}

// RecordNearCache records near cache hits/misses for one read.
func RecordNearCache(hits, misses int) {
	NearCacheHits.Add(float64(hits))
	NearCacheMisses.Add(float64(misses))
}

// RecordRelayForward records one relayed message.
func RecordRelayForward(err error) {
	RelayForwards.WithLabelValues(status(err)).Inc()
}
