package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/pool"
	"erp-mirror-sync/internal/resilience"

	"go.uber.org/zap"
)

// QueryCircuit is the circuit name for ERP item queries.
const QueryCircuit = "erp.query"

const codesPerQuery = 500

// SourceItem is one item as read from the authoritative store.
type SourceItem struct {
	ItemCode string
	ItemName string
	StockQty float64
	Metadata map[string]string
}

// Batch is what one fetch returned. Rejected holds rows that could not be mapped onto an
// item; each one is a failed record of the pass.
type Batch struct {
	Items    []SourceItem
	Rejected []*SyncRecordError
}

func (b *Batch) merge(other Batch) {
	b.Items = append(b.Items, other.Items...)
	b.Rejected = append(b.Rejected, other.Rejected...)
}

// ItemSource reads items from the authoritative store.
type ItemSource interface {
	// FetchChanged returns items modified since the given time plus the items in codes.
	FetchChanged(ctx context.Context, since time.Time, codes []string) (Batch, error)
	FetchAll(ctx context.Context) (Batch, error)
	// FetchOne returns nil, nil when the item does not exist.
	FetchOne(ctx context.Context, code string) (*SourceItem, error)
}

// ERPSource runs the configured item queries through the connection pool. Each query holds
// one pooled connection for its own duration only.
type ERPSource struct {
	pool           *pool.Pool
	executor       *resilience.Executor
	policy         resilience.RetryPolicy
	queries        config.QueryConfig
	columns        config.ColumnConfig
	acquireTimeout time.Duration
	logger         *zap.Logger
}

func NewERPSource(p *pool.Pool, executor *resilience.Executor, policy resilience.RetryPolicy, cfg config.SyncConfig, acquireTimeout time.Duration, logger *zap.Logger) *ERPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Retryable = retryableQueryError
	return &ERPSource{
		pool:           p,
		executor:       executor,
		policy:         policy,
		queries:        cfg.Queries,
		columns:        cfg.Columns,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

// retryableQueryError keeps pool-level failures out of the query retry loop; the pool
// already retried connection creation and a saturated pool should be reported, not hammered.
func retryableQueryError(err error) bool {
	var creation *pool.ConnectionCreationError
	switch {
	case errors.As(err, &creation):
		return false
	case errors.Is(err, pool.ErrPoolTimeout), errors.Is(err, pool.ErrPoolClosed):
		return false
	}
	return true
}

func (s *ERPSource) query(ctx context.Context, query string, args ...any) ([]pool.Row, error) {
	return resilience.Execute(ctx, s.executor, QueryCircuit, s.policy, func(ctx context.Context) ([]pool.Row, error) {
		var rows []pool.Row
		err := s.pool.WithConnection(ctx, s.acquireTimeout, func(ctx context.Context, conn *pool.PooledConnection) error {
			var err error
			rows, err = conn.Execute(ctx, query, args...)
			return err
		})
		return rows, err
	})
}

func (s *ERPSource) FetchAll(ctx context.Context) (Batch, error) {
	rows, err := s.query(ctx, s.queries.AllItems)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to fetch items: %w", err)
	}
	return s.toBatch(rows), nil
}

func (s *ERPSource) FetchChanged(ctx context.Context, since time.Time, codes []string) (Batch, error) {
	rows, err := s.query(ctx, s.queries.ChangedItems, since)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to fetch changed items: %w", err)
	}
	batch := s.toBatch(rows)

	seen := make(map[string]bool, len(batch.Items)+len(batch.Rejected))
	for _, it := range batch.Items {
		seen[it.ItemCode] = true
	}
	for _, rej := range batch.Rejected {
		seen[rej.ItemCode] = true
	}
	var extra []string
	for _, code := range codes {
		if !seen[code] {
			seen[code] = true
			extra = append(extra, code)
		}
	}

	for start := 0; start < len(extra); start += codesPerQuery {
		end := start + codesPerQuery
		if end > len(extra) {
			end = len(extra)
		}
		chunk := extra[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, len(chunk))
		for i, c := range chunk {
			args[i] = c
		}

		rows, err := s.query(ctx, fmt.Sprintf(s.queries.ItemsByCode, placeholders), args...)
		if err != nil {
			return Batch{}, fmt.Errorf("failed to fetch items by code: %w", err)
		}
		batch.merge(s.toBatch(rows))
	}
	return batch, nil
}

func (s *ERPSource) FetchOne(ctx context.Context, code string) (*SourceItem, error) {
	rows, err := s.query(ctx, s.queries.ItemByCode, code)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch item %s: %w", code, err)
	}
	batch := s.toBatch(rows)
	if len(batch.Rejected) > 0 {
		return nil, batch.Rejected[0]
	}
	if len(batch.Items) == 0 {
		return nil, nil
	}
	return &batch.Items[0], nil
}

func (s *ERPSource) toBatch(rows []pool.Row) Batch {
	batch := Batch{Items: make([]SourceItem, 0, len(rows))}
	for i, row := range rows {
		it, err := s.toItem(row)
		if err != nil {
			code := stringValue(row[s.columns.ItemCode])
			if code == "" {
				code = fmt.Sprintf("row %d", i+1)
			}
			s.logger.Warn("Rejected malformed ERP row", zap.String("item_code", code), zap.Error(err))
			batch.Rejected = append(batch.Rejected, &SyncRecordError{ItemCode: code, Err: err})
			continue
		}
		batch.Items = append(batch.Items, it)
	}
	return batch
}

func (s *ERPSource) toItem(row pool.Row) (SourceItem, error) {
	code := stringValue(row[s.columns.ItemCode])
	if code == "" {
		return SourceItem{}, fmt.Errorf("%w: no %s", ErrMalformedRow, s.columns.ItemCode)
	}
	qty, ok := mirror.Float(row[s.columns.StockQty])
	if !ok && row[s.columns.StockQty] != nil {
		return SourceItem{}, fmt.Errorf("%w: bad %s %v", ErrMalformedRow, s.columns.StockQty, row[s.columns.StockQty])
	}

	it := SourceItem{
		ItemCode: code,
		ItemName: stringValue(row[s.columns.ItemName]),
		StockQty: qty,
		Metadata: make(map[string]string, len(s.columns.Metadata)),
	}
	for field, column := range s.columns.Metadata {
		it.Metadata[field] = stringValue(row[column])
	}
	return it, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
