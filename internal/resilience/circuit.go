package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is a read-only view of one named circuit.
type CircuitState struct {
	Name         string     `json:"name"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	Open         bool       `json:"open"`
}

type circuit struct {
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks consecutive failures per operation name.
//
// A circuit is open while failures >= threshold and less than cooldown has passed since it
// opened. Once the cooldown elapses the failure count is halved and the open stamp cleared,
// which lets the next call probe the operation; a success resets the count to zero.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
	onOpen    func(name string)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// IsOpen reports whether calls to name should fail fast.
func (b *CircuitBreaker) IsOpen(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[name]
	if !ok || c.failures < b.threshold {
		return false
	}
	if c.openedAt.IsZero() {
		c.openedAt = b.now()
		return true
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		return true
	}

	c.failures /= 2
	c.openedAt = time.Time{}
	b.logger.Info("Circuit cooldown elapsed, probing",
		zap.String("circuit", name),
		zap.Int("failure_count", c.failures))

	return c.failures >= b.threshold
}

// RecordFailure counts one failed attempt against name.
func (b *CircuitBreaker) RecordFailure(name string) {
	b.mu.Lock()
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{}
		b.circuits[name] = c
	}
	c.failures++
	opened := false
	if c.failures >= b.threshold && c.openedAt.IsZero() {
		c.openedAt = b.now()
		opened = true
	}
	failures := c.failures
	onOpen := b.onOpen
	b.mu.Unlock()

	if opened {
		b.logger.Warn("Circuit opened",
			zap.String("circuit", name),
			zap.Int("failure_count", failures),
			zap.Duration("cooldown", b.cooldown))
		if onOpen != nil {
			onOpen(name)
		}
	}
}

// RecordSuccess closes the circuit for name.
func (b *CircuitBreaker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[name]
	if !ok {
		return
	}
	if c.failures > 0 {
		b.logger.Debug("Circuit reset", zap.String("circuit", name), zap.Int("failure_count", c.failures))
	}
	c.failures = 0
	c.openedAt = time.Time{}
}

// State returns a snapshot of the circuit for name.
func (b *CircuitBreaker) State(name string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(name)
}

// States returns snapshots of every known circuit.
func (b *CircuitBreaker) States() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make([]CircuitState, 0, len(b.circuits))
	for name := range b.circuits {
		states = append(states, b.stateLocked(name))
	}
	return states
}

func (b *CircuitBreaker) stateLocked(name string) CircuitState {
	st := CircuitState{Name: name}
	c, ok := b.circuits[name]
	if !ok {
		return st
	}
	st.FailureCount = c.failures
	if !c.openedAt.IsZero() {
		opened := c.openedAt
		st.OpenedAt = &opened
		st.Open = c.failures >= b.threshold && b.now().Sub(opened) < b.cooldown
	}
	return st
}
