package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// pooledConn is a Conn plus the pool's bookkeeping.
type pooledConn struct {
	id         uint64
	conn       Conn
	generation uint64
	createdAt  time.Time

	// guarded by Pool.mu
	checkedOut bool
	lease      uint64

	// owned by whoever holds the connection
	lastValidatedAt time.Time

	broken  atomic.Bool
	suspect atomic.Bool
}

func (c *pooledConn) age(now time.Time) time.Duration {
	return now.Sub(c.createdAt)
}

// PooledConnection is one checkout of a pooled connection. It belongs to the caller alone
// until handed back through Release; a handle from an earlier checkout releases nothing.
type PooledConnection struct {
	*pooledConn
	lease uint64
}

func (c *PooledConnection) ID() uint64 {
	return c.id
}

func (c *PooledConnection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *PooledConnection) LastValidatedAt() time.Time {
	return c.lastValidatedAt
}

// Execute runs query on the underlying connection. A failed query flags the connection
// for a liveness check before it is handed out again.
func (c *PooledConnection) Execute(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := c.conn.Execute(ctx, query, args...)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.suspect.Store(true)
	}
	return rows, err
}

// MarkInvalid makes Release close the connection instead of returning it to the pool.
func (c *PooledConnection) MarkInvalid() {
	c.broken.Store(true)
}
