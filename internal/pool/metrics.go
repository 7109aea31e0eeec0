package pool

import (
	"time"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const connectionTimeWindow = 100

// Metrics are the pool's process-wide counters. They are only mutated under the pool lock.
type Metrics struct {
	TotalCreated    int64
	TotalClosed     int64
	TotalErrors     int64
	TotalTimeouts   int64
	TotalRetries    int64
	ConnectionTimes []time.Duration
	HealthStatus    HealthStatus
	LastError       string
	LastErrorTime   time.Time
}

// MetricsSnapshot is a read-only copy of Metrics.
type MetricsSnapshot struct {
	TotalCreated      int64        `json:"total_created"`
	TotalClosed       int64        `json:"total_closed"`
	TotalErrors       int64        `json:"total_errors"`
	TotalTimeouts     int64        `json:"total_timeouts"`
	TotalRetries      int64        `json:"total_retries"`
	ConnectionTimes   []float64    `json:"connection_times"` // seconds
	AvgConnectionTime float64      `json:"avg_connection_time"`
	HealthStatus      HealthStatus `json:"health_status"`
	LastError         string       `json:"last_error,omitempty"`
	LastErrorTime     *time.Time   `json:"last_error_time,omitempty"`
}

func (m *Metrics) recordConnectionTime(d time.Duration) {
	m.ConnectionTimes = append(m.ConnectionTimes, d)
	if len(m.ConnectionTimes) > connectionTimeWindow {
		m.ConnectionTimes = m.ConnectionTimes[len(m.ConnectionTimes)-connectionTimeWindow:]
	}
}

func (m *Metrics) recordError(err error, at time.Time) {
	m.TotalErrors++
	m.LastError = err.Error()
	m.LastErrorTime = at
}

func (m *Metrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalCreated:    m.TotalCreated,
		TotalClosed:     m.TotalClosed,
		TotalErrors:     m.TotalErrors,
		TotalTimeouts:   m.TotalTimeouts,
		TotalRetries:    m.TotalRetries,
		ConnectionTimes: make([]float64, len(m.ConnectionTimes)),
		HealthStatus:    m.HealthStatus,
		LastError:       m.LastError,
	}
	var total float64
	for i, d := range m.ConnectionTimes {
		s.ConnectionTimes[i] = d.Seconds()
		total += d.Seconds()
	}
	if len(m.ConnectionTimes) > 0 {
		s.AvgConnectionTime = total / float64(len(m.ConnectionTimes))
	}
	if !m.LastErrorTime.IsZero() {
		t := m.LastErrorTime
		s.LastErrorTime = &t
	}
	return s
}

// HealthReport is returned by CheckHealth.
type HealthReport struct {
	Status      HealthStatus    `json:"status"`
	PoolSize    int             `json:"pool_size"`
	MaxOverflow int             `json:"max_overflow"`
	Created     int             `json:"created"`
	Available   int             `json:"available"`
	CheckedOut  int             `json:"checked_out"`
	Utilization float64         `json:"utilization"`
	Metrics     MetricsSnapshot `json:"metrics"`
	LastProbeAt *time.Time      `json:"last_probe_at,omitempty"`
	LastProbeOK bool            `json:"last_probe_ok"`
}
