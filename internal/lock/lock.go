// Package lock provides leases that keep a sync pass single-flight, within one process or
// across replicas sharing a Redis instance.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReleaseFunc gives a lease back. Releasing an expired or stolen lease is a no-op.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out exclusive, expiring leases by key.
type Locker interface {
	// TryLock takes the lease for key without waiting. ok is false when someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release ReleaseFunc, ok bool, err error)
	Close() error
}

type localLease struct {
	token   string
	expires time.Time
}

// LocalLocker keeps leases in process memory.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		leases: make(map[string]localLease),
		now:    time.Now,
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.leases[key]; held && now.Before(cur.expires) {
		return nil, false, nil
	}

	token := uuid.New().String()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, true, nil
}

func (l *LocalLocker) Close() error {
	return nil
}
