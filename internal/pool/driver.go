package pool

import "context"

// Row is one result row keyed by column name.
type Row = map[string]any

// Conn is a single connection to the authoritative store.
type Conn interface {
	Execute(ctx context.Context, query string, args ...any) ([]Row, error)
	Close() error
	IsAlive(ctx context.Context) bool
}

// Driver opens connections to the authoritative store.
type Driver interface {
	Connect(ctx context.Context) (Conn, error)
}
