// Package resilience wraps fallible operations with bounded retries, exponential backoff,
// per-attempt timeouts and a per-name circuit breaker.
package resilience

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy controls one Execute call.
type RetryPolicy struct {
	Attempts      int
	BackoffFactor float64
	BaseDelay     time.Duration
	Timeout       time.Duration // per attempt; zero disables

	// Retryable decides whether a failure is worth another attempt. Errors it rejects are
	// returned at once and do not count against the circuit. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error)
	// Discard receives the value of an attempt that succeeded after it was abandoned,
	// so whatever it holds can be released.
	Discard func(v any)
}

// Delay returns the sleep before the retry that follows attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt)))
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	return p
}

// Executor runs operations under a shared circuit breaker.
type Executor struct {
	breaker *CircuitBreaker
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Config for NewExecutor.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	Logger           *zap.Logger
	// OnCircuitOpen is invoked whenever a circuit transitions to open.
	OnCircuitOpen func(name string)
}

func NewExecutor(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	breaker := NewCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown, cfg.Logger)
	breaker.onOpen = cfg.OnCircuitOpen
	return &Executor{
		breaker: breaker,
		logger:  cfg.Logger,
		sleep:   sleepContext,
	}
}

// Breaker exposes the underlying circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Circuit returns a snapshot of the named circuit.
func (e *Executor) Circuit(name string) CircuitState {
	return e.breaker.State(name)
}

// Circuits returns snapshots of all circuits seen so far.
func (e *Executor) Circuits() []CircuitState {
	return e.breaker.States()
}

// Do runs op under the retry policy and the circuit for name.
func (e *Executor) Do(ctx context.Context, name string, policy RetryPolicy, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, e, name, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op until it succeeds, the attempts run out, a non-retryable error occurs,
// ctx is done, or the circuit for name opens.
func Execute[T any](ctx context.Context, e *Executor, name string, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if e.breaker.IsOpen(name) {
			e.logger.Debug("Failing fast, circuit open", zap.String("operation", name))
			return zero, &CircuitOpenError{Name: name}
		}

		v, err := runAttempt(ctx, name, policy.Timeout, policy.Discard, op)
		if err == nil {
			e.breaker.RecordSuccess(name)
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}

		lastErr = err
		e.breaker.RecordFailure(name)

		if attempt == policy.Attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		e.logger.Warn("Operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.Attempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &RetriesExhaustedError{Name: name, Attempts: policy.Attempts, Err: lastErr}
}

// runAttempt bounds one call of op by timeout. An op that ignores its context keeps running
// in the background; a late successful value is handed to discard.
func runAttempt[T any](ctx context.Context, name string, timeout time.Duration, discard func(any), op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op(actx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, &AttemptTimeoutError{Name: name, Timeout: timeout}
		}
		return r.v, r.err
	case <-actx.Done():
		if discard != nil {
			go func() {
				if r := <-ch; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &AttemptTimeoutError{Name: name, Timeout: timeout}
	}
}

// Operation is one unit of an ExecuteBatch call.
type Operation[T any] struct {
	Name string
	Fn   func(ctx context.Context) (T, error)
}

// Result pairs an operation's value with its error.
type Result[T any] struct {
	Value T
	Err   error
}

// ExecuteBatch runs every operation under policy with at most maxConcurrent in flight.
// Results are returned in input order; one failure never cancels its siblings.
func ExecuteBatch[T any](ctx context.Context, e *Executor, policy RetryPolicy, ops []Operation[T], maxConcurrent int) []Result[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	results := make([]Result[T], len(ops))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	done := make(chan struct{}, len(ops))

	started := 0
	for i, op := range ops {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(ops); j++ {
				results[j].Err = err
			}
			break
		}
		started++
		go func(i int, op Operation[T]) {
			defer func() {
				sem.Release(1)
				done <- struct{}{}
			}()
			v, err := Execute(ctx, e, op.Name, policy, op.Fn)
			results[i] = Result[T]{Value: v, Err: err}
		}(i, op)
	}

	for i := 0; i < started; i++ {
		<-done
	}
	return results
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
