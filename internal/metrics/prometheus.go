package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Pool metrics
	PoolConnectionsCreated prometheus.Counter
	PoolConnectionsClosed  prometheus.Counter
	PoolErrors             prometheus.Counter
	PoolTimeouts           prometheus.Counter
	PoolRetries            prometheus.Counter
	PoolIdle               prometheus.Gauge
	PoolCheckedOut         prometheus.Gauge
	PoolAcquireDuration    prometheus.Histogram
	PoolConnectDuration    prometheus.Histogram
	PoolHealthy            prometheus.Gauge

	// Circuit metrics
	CircuitOpenTotal *prometheus.CounterVec

	// Sync metrics
	SyncPassesTotal    *prometheus.CounterVec
	SyncPassDuration   *prometheus.HistogramVec
	SyncItemsChecked   *prometheus.CounterVec
	SyncItemsCreated   *prometheus.CounterVec
	SyncQtyUpdated     *prometheus.CounterVec
	SyncRecordErrors   *prometheus.CounterVec
	SyncRealtimeChecks *prometheus.CounterVec

	// Conflict metrics
	ConflictsDetected *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PoolConnectionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsync_pool_connections_created_total",
			Help: "Total number of authoritative connections created",
		}),
		PoolConnectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsync_pool_connections_closed_total",
			Help: "Total number of authoritative connections closed",
		}),
		PoolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsync_pool_errors_total",
			Help: "Total number of connection creation or probe errors",
		}),
		PoolTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsync_pool_timeouts_total",
			Help: "Total number of acquire calls that timed out",
		}),
		PoolRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "erpsync_pool_retries_total",
			Help: "Total number of connection creation retries",
		}),
		PoolIdle: f.NewGauge(prometheus.GaugeOpts{
			Name: "erpsync_pool_idle_connections",
			Help: "Idle connections in the pool",
		}),
		PoolCheckedOut: f.NewGauge(prometheus.GaugeOpts{
			Name: "erpsync_pool_checked_out_connections",
			Help: "Connections currently checked out",
		}),
		PoolAcquireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "erpsync_pool_acquire_duration_seconds",
			Help:    "Time spent waiting for a pooled connection",
			Buckets: prometheus.DefBuckets,
		}),
		PoolConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "erpsync_pool_connect_duration_seconds",
			Help:    "Time taken to open an authoritative connection",
			Buckets: prometheus.DefBuckets,
		}),
		PoolHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "erpsync_pool_health",
			Help: "Pool health: 2 healthy, 1 degraded, 0 unhealthy",
		}),

		CircuitOpenTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_circuit_open_total",
			Help: "Total number of times a circuit opened",
		}, []string{"name"}),

		SyncPassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_passes_total",
			Help: "Total number of sync passes",
		}, []string{"pass", "status"}),
		SyncPassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erpsync_sync_pass_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"pass"}),
		SyncItemsChecked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_items_checked_total",
			Help: "Total number of source items compared against the mirror",
		}, []string{"pass"}),
		SyncItemsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_items_created_total",
			Help: "Total number of mirror items created",
		}, []string{"pass"}),
		SyncQtyUpdated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_qty_updated_total",
			Help: "Total number of mirror quantity updates",
		}, []string{"pass"}),
		SyncRecordErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_record_errors_total",
			Help: "Total number of per-record sync failures",
		}, []string{"pass"}),
		SyncRealtimeChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_sync_realtime_checks_total",
			Help: "Total number of realtime item checks by answer source",
		}, []string{"source", "updated"}),

		ConflictsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_conflicts_detected_total",
			Help: "Total number of conflicts detected",
		}, []string{"entity_type"}),
		ConflictsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "erpsync_conflicts_resolved_total",
			Help: "Total number of conflicts resolved",
		}, []string{"resolution"}),
	}
}

// RecordConnectionCreated records a new connection and how long it took to open.
func (m *Metrics) RecordConnectionCreated(seconds float64) {
	if m == nil {
		return
	}
	m.PoolConnectionsCreated.Inc()
	m.PoolConnectDuration.Observe(seconds)
}

// RecordConnectionClosed records closed connections.
func (m *Metrics) RecordConnectionClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PoolConnectionsClosed.Add(float64(n))
}

// RecordPoolError records a connection error.
func (m *Metrics) RecordPoolError() {
	if m == nil {
		return
	}
	m.PoolErrors.Inc()
}

// RecordPoolTimeout records an acquire timeout.
func (m *Metrics) RecordPoolTimeout() {
	if m == nil {
		return
	}
	m.PoolTimeouts.Inc()
}

// RecordPoolRetry records a connection creation retry.
func (m *Metrics) RecordPoolRetry() {
	if m == nil {
		return
	}
	m.PoolRetries.Inc()
}

// RecordAcquire records time spent in acquire.
func (m *Metrics) RecordAcquire(seconds float64) {
	if m == nil {
		return
	}
	m.PoolAcquireDuration.Observe(seconds)
}

// UpdatePoolUsage sets the idle and checked-out gauges.
func (m *Metrics) UpdatePoolUsage(idle, checkedOut int) {
	if m == nil {
		return
	}
	m.PoolIdle.Set(float64(idle))
	m.PoolCheckedOut.Set(float64(checkedOut))
}

// UpdatePoolHealth sets the health gauge from a status string.
func (m *Metrics) UpdatePoolHealth(status string) {
	if m == nil {
		return
	}
	switch status {
	case "healthy":
		m.PoolHealthy.Set(2)
	case "degraded":
		m.PoolHealthy.Set(1)
	default:
		m.PoolHealthy.Set(0)
	}
}

// RecordCircuitOpen records a circuit transition to open.
func (m *Metrics) RecordCircuitOpen(name string) {
	if m == nil {
		return
	}
	m.CircuitOpenTotal.WithLabelValues(name).Inc()
}

// RecordSyncPass records the outcome of one sync pass.
func (m *Metrics) RecordSyncPass(pass, status string, seconds float64, checked, created, qtyUpdated, errors int) {
	if m == nil {
		return
	}
	m.SyncPassesTotal.WithLabelValues(pass, status).Inc()
	m.SyncPassDuration.WithLabelValues(pass).Observe(seconds)
	m.SyncItemsChecked.WithLabelValues(pass).Add(float64(checked))
	m.SyncItemsCreated.WithLabelValues(pass).Add(float64(created))
	m.SyncQtyUpdated.WithLabelValues(pass).Add(float64(qtyUpdated))
	m.SyncRecordErrors.WithLabelValues(pass).Add(float64(errors))
}

// RecordRealtimeCheck records a realtime item check.
func (m *Metrics) RecordRealtimeCheck(source string, updated bool) {
	if m == nil {
		return
	}
	u := "false"
	if updated {
		u = "true"
	}
	m.SyncRealtimeChecks.WithLabelValues(source, u).Inc()
}

// RecordConflictDetected records a persisted conflict.
func (m *Metrics) RecordConflictDetected(entityType string) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(entityType).Inc()
}

// RecordConflictResolved records a conflict resolution.
func (m *Metrics) RecordConflictResolved(resolution string) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(resolution).Inc()
}
