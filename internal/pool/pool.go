// Package pool keeps a bounded set of connections to the authoritative store. Connections
// are created through the resilience executor, recycled by age or failed liveness checks,
// and handed out exclusively until released.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"erp-mirror-sync/internal/metrics"
	"erp-mirror-sync/internal/resilience"

	"go.uber.org/zap"
)

// ConnectCircuit is the circuit name used for connection creation.
const ConnectCircuit = "pool.connect"

const (
	minWaitBackoff = 10 * time.Millisecond
	maxWaitBackoff = 500 * time.Millisecond
)

type Config struct {
	Size                int
	MaxOverflow         int
	ConnectTimeout      time.Duration
	AcquireTimeout      time.Duration
	RecycleAfter        time.Duration
	ValidationInterval  time.Duration // 0 validates on every acquire
	RetryAttempts       int
	RetryBackoff        time.Duration
	BackoffFactor       float64
	HealthCheckInterval time.Duration
	ProbeQuery          string
}

type Pool struct {
	cfg      Config
	driver   Driver
	executor *resilience.Executor
	logger   *zap.Logger
	prom     *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	idle        []*pooledConn
	checkedOut  map[uint64]*pooledConn
	created     int
	nextID      uint64
	generation  uint64
	closed      bool
	stats       Metrics
	probing     bool
	lastProbeAt time.Time
	lastProbeOK bool

	// released carries at most one pending wake-up for a waiting Acquire.
	released chan struct{}
}

func New(cfg Config, driver Driver, executor *resilience.Executor, logger *zap.Logger, prom *metrics.Metrics) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.ProbeQuery == "" {
		cfg.ProbeQuery = "SELECT 1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg,
		driver:     driver,
		executor:   executor,
		logger:     logger,
		prom:       prom,
		now:        time.Now,
		checkedOut: make(map[uint64]*pooledConn),
		stats:      Metrics{HealthStatus: StatusHealthy},
		released:   make(chan struct{}, 1),
	}
}

func (p *Pool) limit() int {
	return p.cfg.Size + p.cfg.MaxOverflow
}

// Acquire returns a connection for the caller's exclusive use. A non-positive timeout
// falls back to the configured acquire timeout. Every successful Acquire must be paired
// with Release; prefer WithConnection.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*PooledConnection, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := minWaitBackoff
	for {
		pc, reserved, stale, err := p.checkout()
		p.closeConns(stale)
		if err != nil {
			return nil, err
		}

		if pc != nil {
			if p.validate(actx, pc) {
				p.prom.RecordAcquire(time.Since(start).Seconds())
				return pc, nil
			}
			p.discard(pc)
			continue
		}

		if reserved {
			pc, err := p.create(actx)
			if err != nil {
				if ctx.Err() == nil && actx.Err() != nil {
					return nil, p.timeout(timeout)
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			p.prom.RecordAcquire(time.Since(start).Seconds())
			return pc, nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-p.released:
			timer.Stop()
		case <-timer.C:
		case <-actx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, p.timeout(timeout)
		}
		backoff *= 2
		if backoff > maxWaitBackoff {
			backoff = maxWaitBackoff
		}
	}
}

// checkout takes an idle connection or reserves a slot for a new one. Expired idle
// connections are removed and returned in stale for closing outside the lock.
func (p *Pool) checkout() (pc *PooledConnection, reserved bool, stale []*pooledConn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, nil, ErrPoolClosed
	}

	now := p.now()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(c, now) {
			p.created--
			p.stats.TotalClosed++
			stale = append(stale, c)
			continue
		}
		c.checkedOut = true
		c.lease++
		p.checkedOut[c.id] = c
		p.updateUsageLocked()
		return &PooledConnection{pooledConn: c, lease: c.lease}, false, stale, nil
	}

	if p.created < p.limit() {
		p.created++
		return nil, true, stale, nil
	}
	return nil, false, stale, nil
}

func (p *Pool) expired(c *pooledConn, now time.Time) bool {
	return p.cfg.RecycleAfter > 0 && c.age(now) > p.cfg.RecycleAfter
}

// validate runs a liveness check when the connection is due for one.
func (p *Pool) validate(ctx context.Context, pc *PooledConnection) bool {
	now := p.now()
	if !pc.suspect.Load() && p.cfg.ValidationInterval > 0 && now.Sub(pc.lastValidatedAt) < p.cfg.ValidationInterval {
		return true
	}
	if !pc.conn.IsAlive(ctx) {
		p.logger.Debug("Pooled connection failed liveness check, recycling",
			zap.Uint64("connection_id", pc.id),
			zap.Error(ErrConnectionInvalid))
		return false
	}
	pc.lastValidatedAt = now
	pc.suspect.Store(false)
	return true
}

// discard drops a checked-out connection that turned out to be unusable.
func (p *Pool) discard(pc *PooledConnection) {
	p.mu.Lock()
	if cur, ok := p.checkedOut[pc.id]; ok && cur == pc.pooledConn {
		delete(p.checkedOut, pc.id)
		p.created--
	}
	pc.checkedOut = false
	p.stats.TotalClosed++
	p.updateUsageLocked()
	p.mu.Unlock()

	p.closeConns([]*pooledConn{pc.pooledConn})
	p.signal()
}

// create opens a connection for a slot already reserved by checkout.
func (p *Pool) create(ctx context.Context) (*PooledConnection, error) {
	policy := resilience.RetryPolicy{
		Attempts:      p.cfg.RetryAttempts,
		BackoffFactor: p.cfg.BackoffFactor,
		BaseDelay:     p.cfg.RetryBackoff,
		Timeout:       p.cfg.ConnectTimeout,
		OnRetry: func(attempt int, err error) {
			p.mu.Lock()
			p.stats.TotalRetries++
			p.mu.Unlock()
			p.prom.RecordPoolRetry()
		},
		Discard: func(v any) {
			if c, ok := v.(Conn); ok && c != nil {
				p.logger.Debug("Closing connection that arrived after its attempt timed out")
				_ = c.Close()
				p.prom.RecordConnectionClosed(1)
			}
		},
	}

	conn, err := resilience.Execute(ctx, p.executor, ConnectCircuit, policy, func(ctx context.Context) (Conn, error) {
		started := time.Now()
		c, err := p.driver.Connect(ctx)
		if err != nil {
			p.recordError(err)
			return nil, err
		}
		elapsed := time.Since(started)
		p.mu.Lock()
		p.stats.recordConnectionTime(elapsed)
		p.mu.Unlock()
		p.prom.RecordConnectionCreated(elapsed.Seconds())
		return c, nil
	})
	if err != nil {
		p.mu.Lock()
		p.created--
		p.updateUsageLocked()
		p.mu.Unlock()
		p.signal()

		var timeoutErr *resilience.AttemptTimeoutError
		if errors.As(err, &timeoutErr) {
			p.recordError(err)
		}
		p.logger.Error("Failed to create connection", zap.Error(err))
		return nil, &ConnectionCreationError{Err: err}
	}

	now := p.now()
	p.mu.Lock()
	if p.closed {
		p.created--
		p.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	p.nextID++
	pc := &pooledConn{
		id:              p.nextID,
		conn:            conn,
		generation:      p.generation,
		createdAt:       now,
		lastValidatedAt: now,
		checkedOut:      true,
		lease:           1,
	}
	p.checkedOut[pc.id] = pc
	p.stats.TotalCreated++
	p.updateUsageLocked()
	p.mu.Unlock()

	p.logger.Debug("Created pooled connection", zap.Uint64("connection_id", pc.id))
	return &PooledConnection{pooledConn: pc, lease: pc.lease}, nil
}

// Release hands a connection back. Valid connections return to the idle set; broken,
// expired or pre-CloseAll connections are closed. Releasing a handle whose checkout has
// already ended only logs a warning, even when the connection was handed out again since.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil || pc.pooledConn == nil {
		return
	}

	p.mu.Lock()
	current := pc.checkedOut && pc.pooledConn.lease == pc.lease
	cur, ok := p.checkedOut[pc.id]
	if !current || !ok || cur != pc.pooledConn {
		if current && pc.generation != p.generation {
			pc.checkedOut = false
			p.stats.TotalClosed++
			p.mu.Unlock()
			p.closeConns([]*pooledConn{pc.pooledConn})
			return
		}
		p.mu.Unlock()
		p.logger.Warn("Release of connection that is not checked out",
			zap.Uint64("connection_id", pc.id),
			zap.Uint64("lease", pc.lease))
		return
	}

	delete(p.checkedOut, pc.id)
	pc.checkedOut = false

	if p.closed || pc.broken.Load() || p.expired(pc.pooledConn, p.now()) {
		p.created--
		p.stats.TotalClosed++
		p.updateUsageLocked()
		p.mu.Unlock()
		p.closeConns([]*pooledConn{pc.pooledConn})
		p.signal()
		return
	}

	p.idle = append(p.idle, pc.pooledConn)
	p.updateUsageLocked()
	p.mu.Unlock()
	p.signal()
}

// WithConnection acquires a connection, runs fn with it and releases it on every exit path.
func (p *Pool) WithConnection(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, conn *PooledConnection) error) error {
	pc, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer p.Release(pc)

	return fn(ctx, pc)
}

// CheckHealth reports the pool's state. It runs an out-of-band probe when the last one is
// older than the health check interval and never returns an error.
func (p *Pool) CheckHealth(ctx context.Context) HealthReport {
	p.maybeProbe(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	checkedOut := len(p.checkedOut)
	utilization := float64(checkedOut) / float64(p.limit())

	status := StatusHealthy
	switch {
	case !p.lastProbeAt.IsZero() && !p.lastProbeOK:
		status = StatusUnhealthy
	case !p.stats.LastErrorTime.IsZero() && now.Sub(p.stats.LastErrorTime) < p.cfg.HealthCheckInterval:
		status = StatusDegraded
	case utilization >= 0.9:
		status = StatusDegraded
	}
	p.stats.HealthStatus = status
	p.prom.UpdatePoolHealth(string(status))

	report := HealthReport{
		Status:      status,
		PoolSize:    p.cfg.Size,
		MaxOverflow: p.cfg.MaxOverflow,
		Created:     p.created,
		Available:   len(p.idle),
		CheckedOut:  checkedOut,
		Utilization: utilization,
		Metrics:     p.stats.snapshot(),
		LastProbeOK: p.lastProbeOK,
	}
	if !p.lastProbeAt.IsZero() {
		t := p.lastProbeAt
		report.LastProbeAt = &t
	}
	return report
}

func (p *Pool) maybeProbe(ctx context.Context) {
	p.mu.Lock()
	due := p.lastProbeAt.IsZero() || p.now().Sub(p.lastProbeAt) >= p.cfg.HealthCheckInterval
	if !due || p.probing || p.closed {
		p.mu.Unlock()
		return
	}
	p.probing = true
	p.mu.Unlock()

	err := p.probe(ctx)

	p.mu.Lock()
	p.probing = false
	p.lastProbeAt = p.now()
	p.lastProbeOK = err == nil
	p.mu.Unlock()

	if err != nil {
		p.recordError(err)
		p.logger.Warn("Health probe failed", zap.Error(err))
	}
}

// probe opens a dedicated connection, runs the probe query and closes it.
func (p *Pool) probe(ctx context.Context) error {
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := p.driver.Connect(ctx)
	if err != nil {
		return fmt.Errorf("probe connect: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Execute(ctx, p.cfg.ProbeQuery); err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.snapshot()
}

// CloseAll closes every idle connection and resets the live counters. Connections that
// are checked out are closed when their holder releases them.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.generation++
	p.checkedOut = make(map[uint64]*pooledConn)
	p.created = 0
	p.stats.TotalClosed += int64(len(idle))
	p.updateUsageLocked()
	p.mu.Unlock()

	p.closeConns(idle)
	p.signal()
	p.logger.Info("Closed all pooled connections", zap.Int("closed", len(idle)))
}

// Close shuts the pool down. Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.CloseAll()
}

func (p *Pool) timeout(timeout time.Duration) error {
	p.mu.Lock()
	p.stats.TotalTimeouts++
	err := &PoolTimeoutError{Timeout: timeout, CheckedOut: len(p.checkedOut), Limit: p.limit()}
	p.mu.Unlock()

	p.prom.RecordPoolTimeout()
	p.logger.Warn("Timed out waiting for a connection", zap.Duration("timeout", timeout))
	return err
}

func (p *Pool) recordError(err error) {
	p.mu.Lock()
	p.stats.recordError(err, p.now())
	p.mu.Unlock()
	p.prom.RecordPoolError()
}

func (p *Pool) updateUsageLocked() {
	p.prom.UpdatePoolUsage(len(p.idle), len(p.checkedOut))
}

// signal wakes one waiting Acquire, if any.
func (p *Pool) signal() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

func (p *Pool) closeConns(conns []*pooledConn) {
	for _, c := range conns {
		if err := c.conn.Close(); err != nil {
			p.logger.Debug("Error closing connection", zap.Uint64("connection_id", c.id), zap.Error(err))
		}
	}
	p.prom.RecordConnectionClosed(len(conns))
}
