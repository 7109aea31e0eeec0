package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/conflict"
	"erp-mirror-sync/internal/logger"
)

// Ticker runs whatever sync work is due.
type Ticker interface {
	Tick(ctx context.Context) []*PassReport
}

// AutoResolver settles pending conflicts with a strategy.
type AutoResolver interface {
	AutoResolvePending(ctx context.Context, strategy conflict.Strategy) (int, error)
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	ticker   Ticker
	resolver AutoResolver
	strategy conflict.Strategy

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool

	ticking   atomic.Bool
	resolving atomic.Bool
}

// NewScheduler builds a scheduler. The conflict job is only scheduled when both resolver and
// strategy are set.
func NewScheduler(cfg config.SchedulerConfig, ticker Ticker, resolver AutoResolver, strategy conflict.Strategy) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		ticker:   ticker,
		resolver: resolver,
		strategy: strategy,
	}
}

// Start schedules the jobs on a fresh cron, so a stopped scheduler can be started again.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Interval, func() { s.tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule sync tick %q: %w", s.cfg.Interval, err)
	}

	if s.resolver != nil && s.strategy != nil && s.cfg.ConflictsSchedule != "" {
		if _, err := c.AddFunc(s.cfg.ConflictsSchedule, func() { s.autoResolve(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to schedule conflict auto-resolve %q: %w", s.cfg.ConflictsSchedule, err)
		}
		logger.Log.Info("Scheduled conflict auto-resolve",
			zap.String("schedule", s.cfg.ConflictsSchedule),
			zap.String("strategy", s.strategy.Name()),
		)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil
	s.running = false
	logger.Log.Info("Stopped scheduler")
}

// entries returns how many jobs the running cron holds.
func (s *Scheduler) entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return 0
	}
	return len(s.cron.Entries())
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		logger.Log.Info("Sync tick still running, skipping scheduled run")
		return
	}
	defer s.ticking.Store(false)

	s.ticker.Tick(ctx)
}

func (s *Scheduler) autoResolve(ctx context.Context) {
	if !s.resolving.CompareAndSwap(false, true) {
		logger.Log.Info("Conflict auto-resolve still running, skipping scheduled run")
		return
	}
	defer s.resolving.Store(false)

	if _, err := s.resolver.AutoResolvePending(ctx, s.strategy); err != nil {
		logger.Log.Error("Scheduled conflict auto-resolve failed", zap.Error(err))
	}
}
