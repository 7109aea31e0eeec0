package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/conflict"
	"erp-mirror-sync/internal/lock"
	"erp-mirror-sync/internal/logger"
	"erp-mirror-sync/internal/metrics"
	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/pool"
	"erp-mirror-sync/internal/resilience"
	"erp-mirror-sync/internal/store"
)

const (
	statusIdle    = "idle"
	statusRunning = "running"
)

// Deps are the backends the manager runs on. Locker and Metrics may be nil.
type Deps struct {
	Driver  pool.Driver
	Mirror  mirror.Store
	State   store.Store
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Manager owns the sync runtime: the ERP pool, the engine, the conflict resolver, the
// optional binlog change feed and the scheduler.
type Manager struct {
	cfg       *config.Config
	deps      Deps
	executor  *resilience.Executor
	pool      *pool.Pool
	engine    *Engine
	resolver  *conflict.Resolver
	feed      *BinlogChangeFeed
	scheduler *Scheduler
	mu        sync.Mutex
	status    string
}

// ManagerStatus is what /api/v1/sync/status reports.
type ManagerStatus struct {
	Status   string                    `json:"status"`
	Engine   EngineStatus              `json:"engine"`
	Pool     pool.HealthReport         `json:"pool"`
	Circuits []resilience.CircuitState `json:"circuits"`
	Feed     *ChangeFeedStatus         `json:"change_feed,omitempty"`
}

type ChangeFeedStatus struct {
	Table      string `json:"table"`
	Overflowed bool   `json:"overflowed"`
}

func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Driver == nil || deps.Mirror == nil || deps.State == nil {
		return nil, fmt.Errorf("sync manager needs a driver, a mirror store and a state store")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Log
	}

	executor := resilience.NewExecutor(resilience.Config{
		FailureThreshold: cfg.Resilience.CircuitFailureThreshold,
		Cooldown:         cfg.Resilience.CircuitCooldown,
		Logger:           deps.Logger.Named("resilience"),
		OnCircuitOpen:    deps.Metrics.RecordCircuitOpen,
	})

	p := pool.New(PoolConfig(cfg), deps.Driver, executor, deps.Logger.Named("pool"), deps.Metrics)

	queryPolicy := resilience.RetryPolicy{
		Attempts:      cfg.Pool.RetryAttempts,
		BackoffFactor: cfg.Resilience.BackoffFactor,
		BaseDelay:     cfg.Pool.RetryBackoff,
		Timeout:       cfg.Sync.QueryTimeout,
	}
	source := NewERPSource(p, executor, queryPolicy, cfg.Sync, cfg.Pool.AcquireTimeout, deps.Logger.Named("erp"))

	var feed *BinlogChangeFeed
	var changes ChangeFeed
	if cfg.Sync.Binlog.Enabled {
		f, err := NewBinlogChangeFeed(cfg.Authoritative, cfg.Sync.Binlog, cfg.Sync.Columns.ItemCode)
		if err != nil {
			p.Close()
			return nil, err
		}
		feed, changes = f, f
	}

	engine := NewEngine(EngineConfig{
		ChangeCheckInterval: cfg.Sync.ChangeCheckInterval,
		ChangeWindowOverlap: cfg.Sync.ChangeWindowOverlap,
		FullSyncHourOfDay:   cfg.Sync.FullSyncHourOfDay,
		RecordConcurrency:   cfg.Sync.RecordConcurrency,
		WritePolicy: resilience.RetryPolicy{
			Attempts:      cfg.Sync.WriteAttempts,
			BackoffFactor: cfg.Resilience.BackoffFactor,
			BaseDelay:     cfg.Pool.RetryBackoff,
		},
		LockTTL: cfg.Lock.TTL,
	}, source, deps.Mirror, p, executor, deps.State, deps.Locker, changes, deps.Logger.Named("sync"), deps.Metrics)

	resolver := conflict.NewResolver(deps.State, deps.Mirror, Targets(cfg.Conflict), deps.Logger.Named("conflict"), deps.Metrics)

	var strategy conflict.Strategy
	if cfg.Conflict.AutoResolveStrategy != "" {
		s, err := conflict.StrategyByName(cfg.Conflict.AutoResolveStrategy)
		if err != nil {
			p.Close()
			return nil, err
		}
		strategy = s
	}

	return &Manager{
		cfg:       cfg,
		deps:      deps,
		executor:  executor,
		pool:      p,
		engine:    engine,
		resolver:  resolver,
		feed:      feed,
		scheduler: NewScheduler(cfg.Scheduler, engine, resolver, strategy),
		status:    statusIdle,
	}, nil
}

// PoolConfig maps the pool section of the configuration.
func PoolConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		Size:                cfg.Pool.Size,
		MaxOverflow:         cfg.Pool.MaxOverflow,
		ConnectTimeout:      cfg.Pool.ConnectTimeout,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		RecycleAfter:        cfg.Pool.RecycleAfter,
		ValidationInterval:  cfg.Pool.ValidationInterval,
		RetryAttempts:       cfg.Pool.RetryAttempts,
		RetryBackoff:        cfg.Pool.RetryBackoff,
		BackoffFactor:       cfg.Resilience.BackoffFactor,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		ProbeQuery:          cfg.Pool.ProbeQuery,
	}
}

// Targets builds the conflict entity map, starting from the item default.
func Targets(cfg config.ConflictConfig) map[string]conflict.Target {
	targets := conflict.DefaultTargets()
	for entity, t := range cfg.Entities {
		targets[entity] = conflict.Target{Collection: t.Collection, KeyField: t.KeyField}
	}
	return targets
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == statusRunning {
		return fmt.Errorf("sync is already running")
	}

	logger.Log.Info("Starting sync manager")

	if m.feed != nil {
		if err := m.feed.Start(); err != nil {
			return err
		}
	}

	if err := m.scheduler.Start(); err != nil {
		if m.feed != nil {
			m.feed.Stop()
		}
		return err
	}

	m.status = statusRunning
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != statusRunning {
		return
	}

	logger.Log.Info("Stopping sync manager")

	m.scheduler.Stop()
	if m.feed != nil {
		m.feed.Stop()
	}

	m.status = statusIdle
}

// Close stops the manager and releases every backend it was given.
func (m *Manager) Close() {
	m.Stop()
	m.pool.Close()
	if err := m.deps.Mirror.Close(); err != nil {
		logger.Log.Warn("Failed to close mirror store", zap.Error(err))
	}
	if err := m.deps.State.Close(); err != nil {
		logger.Log.Warn("Failed to close state store", zap.Error(err))
	}
	if m.deps.Locker != nil {
		if err := m.deps.Locker.Close(); err != nil {
			logger.Log.Warn("Failed to close locker", zap.Error(err))
		}
	}
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Status reports the runtime state, probing the pool when its health check is due.
func (m *Manager) Status(ctx context.Context) ManagerStatus {
	st := ManagerStatus{
		Status:   m.GetStatus(),
		Engine:   m.engine.Status(),
		Pool:     m.pool.CheckHealth(ctx),
		Circuits: m.executor.Circuits(),
	}
	if m.feed != nil {
		st.Feed = &ChangeFeedStatus{Table: m.feed.table, Overflowed: m.feed.Overflowed()}
	}
	return st
}

func (m *Manager) Engine() *Engine {
	return m.engine
}

func (m *Manager) Resolver() *conflict.Resolver {
	return m.resolver
}

func (m *Manager) Pool() *pool.Pool {
	return m.pool
}
