package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"erp-mirror-sync/internal/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	alive  atomic.Bool
	closed atomic.Bool
	err    error
}

func (c *fakeConn) Execute(ctx context.Context, query string, args ...any) ([]Row, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []Row{{"ok": 1}}, nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsAlive(ctx context.Context) bool {
	return c.alive.Load() && !c.closed.Load()
}

type fakeDriver struct {
	mu       sync.Mutex
	conns    []*fakeConn
	connects int
	fail     error
	// delay is slept through without watching ctx, like a driver stuck in a handshake
	delay time.Duration
}

func (d *fakeDriver) Connect(ctx context.Context) (Conn, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.fail != nil {
		return nil, d.fail
	}
	c := &fakeConn{id: len(d.conns) + 1}
	c.alive.Store(true)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func testConfig() Config {
	return Config{
		Size:                2,
		MaxOverflow:         1,
		ConnectTimeout:      time.Second,
		AcquireTimeout:      time.Second,
		RecycleAfter:        time.Hour,
		ValidationInterval:  time.Minute,
		RetryAttempts:       3,
		RetryBackoff:        time.Millisecond,
		BackoffFactor:       2,
		HealthCheckInterval: time.Minute,
	}
}

func newTestPool(cfg Config, driver Driver) *Pool {
	executor := resilience.NewExecutor(resilience.Config{FailureThreshold: 100, Cooldown: time.Minute})
	return New(cfg, driver, executor, nil, nil)
}

func fakeOf(pc *PooledConnection) *fakeConn {
	return pc.conn.(*fakeConn)
}

func TestPool_ReusesIdleConnection(t *testing.T) {
	driver := &fakeDriver{}
	p := newTestPool(testConfig(), driver)
	ctx := context.Background()

	first, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	defer p.Release(second)

	assert.Same(t, first.pooledConn, second.pooledConn)
	assert.Equal(t, 1, driver.connectCount())
	assert.Equal(t, int64(1), p.Metrics().TotalCreated)
}

func TestPool_NeverExceedsLimit(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	p := newTestPool(cfg, driver)
	limit := int32(cfg.Size + cfg.MaxOverflow)

	var inUse, peak int32
	var seen sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.WithConnection(context.Background(), 5*time.Second, func(ctx context.Context, conn *PooledConnection) error {
				if _, dup := seen.LoadOrStore(conn.ID(), true); dup {
					t.Errorf("connection %d checked out twice", conn.ID())
				}
				n := atomic.AddInt32(&inUse, 1)
				for {
					cur := atomic.LoadInt32(&peak)
					if n <= cur || atomic.CompareAndSwapInt32(&peak, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inUse, -1)
				seen.Delete(conn.ID())
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), limit)
	assert.LessOrEqual(t, driver.connectCount(), int(limit))

	report := p.CheckHealth(context.Background())
	assert.Equal(t, 0, report.CheckedOut)
	assert.LessOrEqual(t, report.Created, int(limit))
}

func TestPool_AcquireTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Size = 1
	cfg.MaxOverflow = 0
	p := newTestPool(cfg, &fakeDriver{})

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(held)

	timeout := 60 * time.Millisecond
	start := time.Now()
	_, err = p.Acquire(context.Background(), timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolTimeout)
	var timeoutErr *PoolTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 1, timeoutErr.CheckedOut)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, int64(1), p.Metrics().TotalTimeouts)
}

func TestPool_ReleaseWakesWaiter(t *testing.T) {
	cfg := testConfig()
	cfg.Size = 1
	cfg.MaxOverflow = 0
	p := newTestPool(cfg, &fakeDriver{})

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		p.Release(held)
	}()

	got, err := p.Acquire(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Same(t, held.pooledConn, got.pooledConn)
	p.Release(got)
}

func TestPool_CancelledContext(t *testing.T) {
	cfg := testConfig()
	cfg.Size = 1
	cfg.MaxOverflow = 0
	p := newTestPool(cfg, &fakeDriver{})

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), p.Metrics().TotalTimeouts)
}

func TestPool_RecyclesExpiredConnection(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	cfg.RecycleAfter = time.Minute
	p := newTestPool(cfg, driver)

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	old, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(old)

	now = now.Add(2 * time.Minute)

	fresh, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(fresh)

	assert.NotSame(t, old.pooledConn, fresh.pooledConn)
	assert.True(t, fakeOf(old).closed.Load())
	assert.Equal(t, 2, driver.connectCount())
	assert.Equal(t, int64(1), p.Metrics().TotalClosed)
	assert.Equal(t, 1, p.CheckHealth(context.Background()).Created)
}

func TestPool_ExpiredOnReleaseIsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.RecycleAfter = time.Minute
	p := newTestPool(cfg, &fakeDriver{})

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	now = now.Add(time.Hour)
	p.Release(pc)

	assert.True(t, fakeOf(pc).closed.Load())
	report := p.CheckHealth(context.Background())
	assert.Equal(t, 0, report.Available)
}

func TestPool_LivenessFailureRecycles(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	cfg.ValidationInterval = 0
	p := newTestPool(cfg, driver)

	first, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(first)
	fakeOf(first).alive.Store(false)

	second, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(second)

	assert.NotSame(t, first.pooledConn, second.pooledConn)
	assert.True(t, fakeOf(first).closed.Load())
	assert.Equal(t, 2, driver.connectCount())
}

func TestPool_FailedQueryTriggersValidation(t *testing.T) {
	driver := &fakeDriver{}
	p := newTestPool(testConfig(), driver)

	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	fakeOf(pc).err = errors.New("lost connection")
	_, err = pc.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
	fakeOf(pc).alive.Store(false)
	p.Release(pc)

	next, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer p.Release(next)
	assert.NotSame(t, pc.pooledConn, next.pooledConn)
}

func TestPool_MarkInvalidClosesOnRelease(t *testing.T) {
	p := newTestPool(testConfig(), &fakeDriver{})

	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	pc.MarkInvalid()
	p.Release(pc)

	assert.True(t, fakeOf(pc).closed.Load())
	assert.Equal(t, 0, p.CheckHealth(context.Background()).Created)
}

func TestPool_ReleaseNotCheckedOutIsNoop(t *testing.T) {
	p := newTestPool(testConfig(), &fakeDriver{})

	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(pc)
	p.Release(pc)
	p.Release(nil)

	report := p.CheckHealth(context.Background())
	assert.Equal(t, 1, report.Available)
	assert.Equal(t, 1, report.Created)
	assert.False(t, fakeOf(pc).closed.Load())
}

func TestPool_ReleaseOfEndedCheckoutIsIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.Size = 1
	cfg.MaxOverflow = 0
	p := newTestPool(cfg, &fakeDriver{})
	ctx := context.Background()

	first, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID(), "same connection handed out again")

	// a late second release from the first holder must not free the second checkout
	p.Release(first)

	report := p.CheckHealth(ctx)
	assert.Equal(t, 1, report.CheckedOut)
	assert.Equal(t, 0, report.Available)

	_, err = p.Acquire(ctx, 20*time.Millisecond)
	var timeoutErr *PoolTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	p.Release(second)
	third, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, second.ID(), third.ID())
	p.Release(third)
}

func TestPool_LateConnectionIsClosed(t *testing.T) {
	driver := &fakeDriver{delay: 80 * time.Millisecond}
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.RetryAttempts = 2
	p := newTestPool(cfg, driver)

	_, err := p.Acquire(context.Background(), time.Second)
	var creationErr *ConnectionCreationError
	require.ErrorAs(t, err, &creationErr)
	var timeoutErr *resilience.AttemptTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	assert.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		if len(driver.conns) != 2 {
			return false
		}
		for _, c := range driver.conns {
			if !c.closed.Load() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.CheckHealth(context.Background()).Created)
}

func TestPool_CreationRetriesThenFails(t *testing.T) {
	errRefused := errors.New("connection refused")
	driver := &fakeDriver{fail: errRefused}
	p := newTestPool(testConfig(), driver)

	_, err := p.Acquire(context.Background(), 0)

	require.Error(t, err)
	var creationErr *ConnectionCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 3, driver.connectCount())

	m := p.Metrics()
	assert.Equal(t, int64(2), m.TotalRetries)
	assert.Equal(t, int64(3), m.TotalErrors)
	assert.Equal(t, "connection refused", m.LastError)
	assert.NotNil(t, m.LastErrorTime)

	// the reserved slot is given back
	driver.setFail(nil)
	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	p.Release(pc)
}

func TestPool_CreationFailsFastWhenCircuitOpen(t *testing.T) {
	driver := &fakeDriver{fail: errors.New("down")}
	executor := resilience.NewExecutor(resilience.Config{FailureThreshold: 2, Cooldown: time.Minute})
	cfg := testConfig()
	cfg.RetryAttempts = 1
	p := New(cfg, driver, executor, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), 0)
		require.Error(t, err)
	}

	_, err := p.Acquire(context.Background(), 0)
	var creationErr *ConnectionCreationError
	require.ErrorAs(t, err, &creationErr)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 2, driver.connectCount())
}

func TestPool_CloseAll(t *testing.T) {
	p := newTestPool(testConfig(), &fakeDriver{})
	ctx := context.Background()

	a, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(a)

	p.CloseAll()
	assert.True(t, fakeOf(a).closed.Load())
	assert.False(t, fakeOf(b).closed.Load())

	report := p.CheckHealth(ctx)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.CheckedOut)
	assert.Equal(t, 0, report.Available)

	p.Release(b)
	assert.True(t, fakeOf(b).closed.Load())
	assert.Equal(t, 0, p.CheckHealth(ctx).Created)

	// the pool stays usable
	c, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(c)
}

func TestPool_Close(t *testing.T) {
	p := newTestPool(testConfig(), &fakeDriver{})
	pc, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	p.Close()
	p.Release(pc)
	assert.True(t, fakeOf(pc).closed.Load())

	_, err = p.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_CheckHealth(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	cfg.Size = 1
	cfg.MaxOverflow = 0
	cfg.HealthCheckInterval = 0
	p := newTestPool(cfg, driver)
	ctx := context.Background()

	report := p.CheckHealth(ctx)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.LastProbeOK)
	require.NotNil(t, report.LastProbeAt)
	assert.Equal(t, 1, report.PoolSize)

	pc, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	report = p.CheckHealth(ctx)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, 1.0, report.Utilization)
	p.Release(pc)

	driver.setFail(errors.New("unreachable"))
	report = p.CheckHealth(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.LastProbeOK)
	assert.Equal(t, StatusUnhealthy, p.Metrics().HealthStatus)

	driver.setFail(nil)
	assert.Equal(t, StatusHealthy, p.CheckHealth(ctx).Status)
}

func TestPool_CheckHealthDegradedAfterRecentError(t *testing.T) {
	driver := &fakeDriver{}
	cfg := testConfig()
	cfg.RetryAttempts = 1
	p := newTestPool(cfg, driver)

	// probe once while reachable; the next probe is a minute away
	require.Equal(t, StatusHealthy, p.CheckHealth(context.Background()).Status)

	driver.setFail(errors.New("refused"))
	_, err := p.Acquire(context.Background(), 0)
	require.Error(t, err)

	assert.Equal(t, StatusDegraded, p.CheckHealth(context.Background()).Status)
}

func TestPool_WithConnectionReleasesOnEveryPath(t *testing.T) {
	p := newTestPool(testConfig(), &fakeDriver{})
	ctx := context.Background()
	errQuery := errors.New("query failed")

	err := p.WithConnection(ctx, 0, func(ctx context.Context, conn *PooledConnection) error {
		return errQuery
	})
	assert.ErrorIs(t, err, errQuery)
	assert.Equal(t, 0, p.CheckHealth(ctx).CheckedOut)

	assert.Panics(t, func() {
		_ = p.WithConnection(ctx, 0, func(ctx context.Context, conn *PooledConnection) error {
			panic("boom")
		})
	})
	assert.Equal(t, 0, p.CheckHealth(ctx).CheckedOut)

	err = p.WithConnection(ctx, 0, func(ctx context.Context, conn *PooledConnection) error {
		rows, err := conn.Execute(ctx, "SELECT 1")
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		return nil
	})
	assert.NoError(t, err)
}

func TestMetricsSnapshot_JSON(t *testing.T) {
	m := Metrics{HealthStatus: StatusHealthy}
	for i := 0; i < connectionTimeWindow+20; i++ {
		m.recordConnectionTime(time.Duration(i) * time.Millisecond)
	}
	m.recordError(errors.New("x"), time.Now())

	s := m.snapshot()
	assert.Len(t, s.ConnectionTimes, connectionTimeWindow)
	assert.InDelta(t, 0.020, s.ConnectionTimes[0], 1e-9)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"total_created"`)
	assert.Contains(t, string(b), `"health_status":"healthy"`)
	assert.Contains(t, string(b), `"last_error":"x"`)
}
