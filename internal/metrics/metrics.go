// Package metrics provides Prometheus metrics for dbzero
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for dbzero
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// PageStore metrics
	PageStoreOpsTotal      *prometheus.CounterVec
	PageStoreOpDuration    *prometheus.HistogramVec
	PageStoreSizeBytes     prometheus.Gauge
	PageStoreMaxStateNum   prometheus.Gauge
	PageStorePagesWritten  prometheus.Counter
	PageStoreDiffRecords   prometheus.Counter
	PageStoreBaseRecords   prometheus.Counter

	// Allocator metrics
	AllocatorAllocsTotal prometheus.Counter
	AllocatorFreesTotal  prometheus.Counter
	AllocatorOOMTotal    prometheus.Counter
	AllocatorBytesInUse  prometheus.Gauge

	// SGB_Tree metrics
	SGBTreeRebuildsTotal prometheus.Counter
	SGBTreeInsertsTotal  prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates all Prometheus metrics and registers them with
// the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates all Prometheus metrics against an
// explicit registerer, letting tests use a fresh registry per server
// instead of tripping duplicate-registration panics on the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbzero_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbzero_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbzero_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// PageStore metrics
	m.PageStoreOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbzero_pagestore_operations_total",
			Help: "Total number of PageStore operations",
		},
		[]string{"operation", "status"},
	)

	m.PageStoreOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbzero_pagestore_operation_duration_seconds",
			Help:    "Duration of PageStore operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.PageStoreSizeBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbzero_pagestore_size_bytes",
			Help: "Current page store file size in bytes",
		},
	)

	m.PageStoreMaxStateNum = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbzero_pagestore_max_state_num",
			Help: "Highest durably-committed state number",
		},
	)

	m.PageStorePagesWritten = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_pagestore_pages_written_total",
			Help: "Total number of page writes",
		},
	)

	m.PageStoreDiffRecords = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_pagestore_diff_records_total",
			Help: "Total number of diff records written",
		},
	)

	m.PageStoreBaseRecords = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_pagestore_base_records_total",
			Help: "Total number of base records written",
		},
	)

	// Allocator metrics
	m.AllocatorAllocsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_allocator_allocs_total",
			Help: "Total number of successful allocations",
		},
	)

	m.AllocatorFreesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_allocator_frees_total",
			Help: "Total number of frees",
		},
	)

	m.AllocatorOOMTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_allocator_oom_total",
			Help: "Total number of out-of-memory allocation failures",
		},
	)

	m.AllocatorBytesInUse = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbzero_allocator_bytes_in_use",
			Help: "Net bytes currently allocated",
		},
	)

	// SGB_Tree metrics
	m.SGBTreeRebuildsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_sgbtree_rebuilds_total",
			Help: "Total number of scapegoat subtree rebuilds",
		},
	)

	m.SGBTreeInsertsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dbzero_sgbtree_inserts_total",
			Help: "Total number of items inserted across all trees",
		},
	)

	// Server metrics
	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbzero_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordPageStoreOp records a PageStore operation
func (m *Metrics) RecordPageStoreOp(operation string, status string, duration time.Duration) {
	m.PageStoreOpsTotal.WithLabelValues(operation, status).Inc()
	m.PageStoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdatePageStoreStats updates page store statistics
func (m *Metrics) UpdatePageStoreStats(sizeBytes int64, maxState uint64) {
	m.PageStoreSizeBytes.Set(float64(sizeBytes))
	m.PageStoreMaxStateNum.Set(float64(maxState))
}

// UpdateAllocatorStats updates allocator statistics
func (m *Metrics) UpdateAllocatorStats(bytesInUse int64) {
	m.AllocatorBytesInUse.Set(float64(bytesInUse))
}
