package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"erp-mirror-sync/internal/lock"
	"erp-mirror-sync/internal/metrics"
	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/pool"
	"erp-mirror-sync/internal/resilience"
	"erp-mirror-sync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WriteCircuit is the circuit name for mirror writes.
const WriteCircuit = "mirror.write"

const fullPassWindow = 24 * time.Hour

// HealthChecker reports whether the authoritative store is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) pool.HealthReport
}

// ChangeFeed hands out item codes touched since the last call.
type ChangeFeed interface {
	// Drain returns the pending codes and forgets them. overflowed means codes were dropped
	// and only a full fetch is complete.
	Drain() (codes []string, overflowed bool)
	// Requeue gives back what a failed pass drained.
	Requeue(codes []string, overflowed bool)
}

type EngineConfig struct {
	ChangeCheckInterval time.Duration
	ChangeWindowOverlap time.Duration
	FullSyncHourOfDay   int
	RecordConcurrency   int
	WritePolicy         resilience.RetryPolicy
	LockTTL             time.Duration
}

// Engine reconciles the mirror against the authoritative item source.
type Engine struct {
	cfg      EngineConfig
	source   ItemSource
	mirror   mirror.Store
	health   HealthChecker
	executor *resilience.Executor
	state    store.Store
	locker   lock.Locker
	changes  ChangeFeed
	logger   *zap.Logger
	prom     *metrics.Metrics
	now      func() time.Time

	incRunning  atomic.Bool
	fullRunning atomic.Bool

	mu              sync.Mutex
	loaded          bool
	lastIncremental time.Time
	lastFull        time.Time
	watermark       time.Time
	lastReports     map[PassKind]*PassReport
}

// EngineStatus is a point-in-time view of the engine.
type EngineStatus struct {
	IncrementalRunning bool                     `json:"incremental_running"`
	FullRunning        bool                     `json:"full_running"`
	LastIncremental    *time.Time               `json:"last_incremental,omitempty"`
	LastFull           *time.Time               `json:"last_full,omitempty"`
	Watermark          *time.Time               `json:"watermark,omitempty"`
	LastReports        map[PassKind]*PassReport `json:"last_reports"`
}

// NewEngine wires an engine. locker, changes and prom may be nil.
func NewEngine(cfg EngineConfig, source ItemSource, m mirror.Store, health HealthChecker, executor *resilience.Executor, st store.Store, locker lock.Locker, changes ChangeFeed, logger *zap.Logger, prom *metrics.Metrics) *Engine {
	if cfg.RecordConcurrency <= 0 {
		cfg.RecordConcurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.WritePolicy.Retryable == nil {
		cfg.WritePolicy.Retryable = retryableWrite
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		source:      source,
		mirror:      m,
		health:      health,
		executor:    executor,
		state:       st,
		locker:      locker,
		changes:     changes,
		logger:      logger,
		prom:        prom,
		now:         time.Now,
		lastReports: make(map[PassKind]*PassReport),
	}
}

// load restores the last pass times from the state store once.
func (e *Engine) load(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return
	}

	inc, err := e.state.GetSyncState(ctx, string(PassIncremental))
	if err != nil {
		e.logger.Warn("Failed to load incremental sync state", zap.Error(err))
		return
	}
	full, err := e.state.GetSyncState(ctx, string(PassFull))
	if err != nil {
		e.logger.Warn("Failed to load full sync state", zap.Error(err))
		return
	}
	if inc != nil {
		e.watermark = inc.LastSyncTime
		e.lastIncremental = inc.LastSyncTime
	}
	if full != nil {
		e.lastFull = full.LastSyncTime
	}
	e.loaded = true
}

// ShouldRunIncremental reports whether change_check_interval has passed since the last
// incremental pass started.
func (e *Engine) ShouldRunIncremental(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIncremental.IsZero() || now.Sub(e.lastIncremental) >= e.cfg.ChangeCheckInterval
}

// ShouldRunFull reports whether the configured hour has been reached and no full pass
// completed within the last 24 hours.
func (e *Engine) ShouldRunFull(now time.Time) bool {
	if now.Hour() < e.cfg.FullSyncHourOfDay {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFull.IsZero() || now.Sub(e.lastFull) >= fullPassWindow
}

// Tick runs whichever passes are due. Passes already running are skipped.
func (e *Engine) Tick(ctx context.Context) []*PassReport {
	e.load(ctx)

	var reports []*PassReport
	if e.ShouldRunIncremental(e.now()) {
		report, err := e.RunIncremental(ctx)
		if err != nil && !errors.Is(err, ErrPassInProgress) {
			e.logger.Error("Incremental sync failed", zap.Error(err))
		}
		if report != nil {
			reports = append(reports, report)
		}
	}
	if e.ShouldRunFull(e.now()) {
		report, err := e.RunFull(ctx)
		if err != nil && !errors.Is(err, ErrPassInProgress) {
			e.logger.Error("Full sync failed", zap.Error(err))
		}
		if report != nil {
			reports = append(reports, report)
		}
	}
	return reports
}

// RunIncremental reconciles items changed since the watermark, widened by
// change_window_overlap, plus the codes reported by the change feed.
func (e *Engine) RunIncremental(ctx context.Context) (*PassReport, error) {
	e.load(ctx)
	return e.runPass(ctx, PassIncremental, &e.incRunning, func(ctx context.Context) (Batch, error) {
		e.mu.Lock()
		since := e.watermark
		e.mu.Unlock()
		if !since.IsZero() {
			since = since.Add(-e.cfg.ChangeWindowOverlap)
		}

		if e.changes == nil {
			return e.source.FetchChanged(ctx, since, nil)
		}

		codes, overflowed := e.changes.Drain()
		var batch Batch
		var err error
		if overflowed {
			e.logger.Warn("Change feed overflowed, reconciling every item")
			batch, err = e.source.FetchAll(ctx)
		} else {
			batch, err = e.source.FetchChanged(ctx, since, codes)
		}
		if err != nil {
			e.changes.Requeue(codes, overflowed)
		}
		return batch, err
	})
}

// RunFull reconciles every authoritative item.
func (e *Engine) RunFull(ctx context.Context) (*PassReport, error) {
	e.load(ctx)
	return e.runPass(ctx, PassFull, &e.fullRunning, e.source.FetchAll)
}

func (e *Engine) runPass(ctx context.Context, pass PassKind, running *atomic.Bool, fetch func(ctx context.Context) (Batch, error)) (*PassReport, error) {
	if !running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer running.Store(false)

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, "sync:"+string(pass), e.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to take %s pass lease: %w", pass, err)
		}
		if !ok {
			return nil, ErrPassInProgress
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				e.logger.Warn("Failed to release pass lease", zap.String("pass", string(pass)), zap.Error(err))
			}
		}()
	}

	started := e.now()
	report := &PassReport{Pass: pass, Status: StatusRunning, StartedAt: started}
	history := &store.SyncHistory{
		ID:        uuid.New().String(),
		Pass:      string(pass),
		StartedAt: started,
		Status:    StatusRunning,
	}
	if err := e.state.CreateSyncHistory(ctx, history); err != nil {
		e.logger.Warn("Failed to record sync history", zap.Error(err))
	}

	if pass == PassIncremental {
		e.mu.Lock()
		e.lastIncremental = started
		e.mu.Unlock()
	}

	e.logger.Info("Sync pass started", zap.String("pass", string(pass)))

	batch, err := fetch(ctx)
	if err == nil {
		e.reconcile(ctx, report, batch)
	}

	report.Duration = e.now().Sub(started)
	switch {
	case err != nil:
		report.Status = StatusFailed
		report.Error = err.Error()
	case report.Errors > 0:
		report.Status = StatusPartial
	default:
		report.Status = StatusSuccess
	}

	e.finish(ctx, report, history)

	if err != nil {
		return report, fmt.Errorf("%s pass failed: %w", pass, err)
	}
	return report, nil
}

// finish persists the outcome of a pass and publishes it.
func (e *Engine) finish(ctx context.Context, report *PassReport, history *store.SyncHistory) {
	completed := report.StartedAt.Add(report.Duration)
	history.CompletedAt = &completed
	history.ItemsChecked = report.ItemsChecked
	history.ItemsCreated = report.ItemsCreated
	history.QtyUpdated = report.QtyUpdated
	history.QtyChangesDetected = report.QtyChangesDetected
	history.MetadataUpdated = report.MetadataUpdated
	history.Errors = report.Errors
	history.Status = report.Status
	history.ErrorMessage = report.Error
	if err := e.state.UpdateSyncHistory(ctx, history); err != nil {
		e.logger.Warn("Failed to update sync history", zap.Error(err))
	}

	if report.Status != StatusFailed {
		state := &store.SyncState{
			Name:         string(report.Pass),
			LastSyncTime: report.StartedAt,
			RowsSynced:   int64(report.ItemsChecked),
			Status:       report.Status,
			UpdatedAt:    completed,
		}
		if err := e.state.UpdateSyncState(ctx, state); err != nil {
			e.logger.Warn("Failed to persist sync state", zap.String("pass", string(report.Pass)), zap.Error(err))
		}
	}

	e.mu.Lock()
	e.lastReports[report.Pass] = report
	if report.Status != StatusFailed {
		switch report.Pass {
		case PassIncremental:
			e.watermark = report.StartedAt
		case PassFull:
			e.lastFull = report.StartedAt
		}
	}
	e.mu.Unlock()

	e.prom.RecordSyncPass(string(report.Pass), report.Status, report.Duration.Seconds(),
		report.ItemsChecked, report.ItemsCreated, report.QtyUpdated, report.Errors)

	fields := []zap.Field{
		zap.String("pass", string(report.Pass)),
		zap.String("status", report.Status),
		zap.Int("items_checked", report.ItemsChecked),
		zap.Int("items_created", report.ItemsCreated),
		zap.Int("qty_updated", report.QtyUpdated),
		zap.Int("qty_changes_detected", report.QtyChangesDetected),
		zap.Int("metadata_updated", report.MetadataUpdated),
		zap.Int("errors", report.Errors),
		zap.Duration("duration", report.Duration),
	}
	if report.Errors > 0 {
		fields = append(fields, zap.Strings("failed_items", report.FailedItems()))
	}
	if report.Status == StatusFailed {
		e.logger.Error("Sync pass failed", append(fields, zap.String("error", report.Error))...)
		return
	}
	e.logger.Info("Sync pass completed", fields...)
}

// upsertOutcome describes what one record upsert did.
type upsertOutcome struct {
	created         bool
	written         bool
	qtyChanged      bool
	metadataChanged bool
	hadPrevious     bool
	previousQty     float64
}

// reconcile upserts items into the mirror with bounded concurrency. Record failures,
// rejected source rows included, are collected on the report and never stop the batch.
func (e *Engine) reconcile(ctx context.Context, report *PassReport, batch Batch) {
	items := batch.Items
	report.ItemsChecked = len(items) + len(batch.Rejected)
	report.Errors += len(batch.Rejected)
	report.RecordErrors = append(report.RecordErrors, batch.Rejected...)
	if len(items) == 0 {
		return
	}

	detected := make([]atomic.Bool, len(items))
	ops := make([]resilience.Operation[upsertOutcome], len(items))
	for i := range items {
		item := items[i]
		ops[i] = resilience.Operation[upsertOutcome]{
			Name: WriteCircuit,
			Fn: func(ctx context.Context) (upsertOutcome, error) {
				out, err := e.upsertItem(ctx, item)
				if out.qtyChanged || out.metadataChanged {
					detected[i].Store(true)
				}
				return out, err
			},
		}
	}

	results := resilience.ExecuteBatch(ctx, e.executor, e.cfg.WritePolicy, ops, e.cfg.RecordConcurrency)
	for i, res := range results {
		if detected[i].Load() {
			report.QtyChangesDetected++
		}
		if res.Err != nil {
			report.Errors++
			report.RecordErrors = append(report.RecordErrors, &SyncRecordError{ItemCode: items[i].ItemCode, Err: res.Err})
			e.logger.Warn("Failed to sync item",
				zap.String("item_code", items[i].ItemCode),
				zap.Error(res.Err),
			)
			continue
		}
		out := res.Value
		switch {
		case out.created:
			report.ItemsCreated++
		case out.written && (out.qtyChanged || out.metadataChanged):
			report.QtyUpdated++
			if out.metadataChanged {
				report.MetadataUpdated++
			}
		}
	}
}

// upsertItem writes one source item into the mirror, touching only fields that differ.
// Metadata is written only when the source value is non-empty and differs from the mirror.
func (e *Engine) upsertItem(ctx context.Context, item SourceItem) (upsertOutcome, error) {
	filter := mirror.ItemFilter(item.ItemCode)
	doc, err := e.mirror.FindOne(ctx, mirror.ItemsCollection, filter)
	if err != nil {
		return upsertOutcome{}, fmt.Errorf("lookup: %w", err)
	}
	now := e.now()

	if doc == nil {
		rec := mirror.ItemRecord{
			ItemCode:         item.ItemCode,
			ItemName:         item.ItemName,
			StockQty:         item.StockQty,
			Metadata:         item.Metadata,
			SyncedFromSource: true,
			SourceQty:        item.StockQty,
			UpdatedAt:        now,
			CreatedAt:        now,
		}
		if err := e.mirror.Upsert(ctx, mirror.ItemsCollection, filter, rec.ToDocument()); err != nil {
			return upsertOutcome{}, fmt.Errorf("insert: %w", err)
		}
		return upsertOutcome{created: true, written: true}, nil
	}

	var out upsertOutcome
	out.previousQty, out.hadPrevious = mirror.Float(doc[mirror.FieldStockQty])

	update := mirror.Document{}
	if !out.hadPrevious || out.previousQty != item.StockQty {
		update[mirror.FieldStockQty] = item.StockQty
		out.qtyChanged = true
	}
	if cur, ok := mirror.Float(doc[mirror.FieldSourceQty]); !ok || cur != item.StockQty {
		update[mirror.FieldSourceQty] = item.StockQty
	}
	if item.ItemName != "" && !mirror.Equal(doc[mirror.FieldItemName], item.ItemName) {
		update[mirror.FieldItemName] = item.ItemName
		out.metadataChanged = true
	}
	for field, val := range item.Metadata {
		if val == "" {
			continue
		}
		if cur, _ := doc[field].(string); cur != val {
			update[field] = val
			out.metadataChanged = true
		}
	}
	if synced, _ := doc[mirror.FieldSyncedFromSource].(bool); !synced {
		update[mirror.FieldSyncedFromSource] = true
	}

	if len(update) == 0 {
		return out, nil
	}
	update[mirror.FieldUpdatedAt] = now
	if err := e.mirror.Upsert(ctx, mirror.ItemsCollection, filter, update); err != nil {
		return out, fmt.Errorf("update: %w", err)
	}
	out.written = true
	return out, nil
}

// CheckItemQtyRealtime reads one item straight from the authoritative store and updates the
// mirror when its quantity moved. When the store is unreachable the cached mirror value is
// returned instead.
func (e *Engine) CheckItemQtyRealtime(ctx context.Context, code string) (*RealtimeResult, error) {
	if e.health != nil {
		if report := e.health.CheckHealth(ctx); report.Status == pool.StatusUnhealthy {
			return e.cached(ctx, code, "pool unhealthy")
		}
	}

	item, err := e.source.FetchOne(ctx, code)
	if err != nil {
		if unreachable(ctx, err) {
			e.logger.Warn("ERP unreachable, serving cached quantity", zap.String("item_code", code), zap.Error(err))
			return e.cached(ctx, code, err.Error())
		}
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, code)
	}

	out, err := resilience.Execute(ctx, e.executor, WriteCircuit, e.cfg.WritePolicy, func(ctx context.Context) (upsertOutcome, error) {
		return e.upsertItem(ctx, *item)
	})
	if err != nil {
		return nil, &SyncRecordError{ItemCode: code, Err: err}
	}

	result := &RealtimeResult{
		ItemCode:  code,
		Updated:   out.created || out.qtyChanged,
		NewQty:    item.StockQty,
		Source:    SourceERP,
		CheckedAt: e.now(),
	}
	if out.hadPrevious {
		prev := out.previousQty
		result.PreviousQty = &prev
		result.Delta = item.StockQty - prev
	}
	e.prom.RecordRealtimeCheck(SourceERP, result.Updated)
	return result, nil
}

func (e *Engine) cached(ctx context.Context, code, reason string) (*RealtimeResult, error) {
	doc, err := e.mirror.FindOne(ctx, mirror.ItemsCollection, mirror.ItemFilter(code))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached item %s: %w", code, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, code)
	}

	qty, _ := mirror.Float(doc[mirror.FieldStockQty])
	prev := qty
	e.prom.RecordRealtimeCheck(SourceMirrorCache, false)
	return &RealtimeResult{
		ItemCode:    code,
		PreviousQty: &prev,
		NewQty:      qty,
		Source:      SourceMirrorCache,
		CheckedAt:   e.now(),
		Reason:      reason,
	}, nil
}

// retryableWrite keeps record-level write failures away from the shared write circuit.
// Only failures of the mirror store itself are retried and counted.
func retryableWrite(err error) bool {
	switch {
	case errors.Is(err, mirror.ErrUnavailable):
		return true
	case errors.Is(err, resilience.ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// unreachable reports whether err means the authoritative store could not be queried, as
// opposed to the caller giving up.
func unreachable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var creation *pool.ConnectionCreationError
	switch {
	case errors.As(err, &creation):
		return true
	case errors.Is(err, pool.ErrPoolTimeout), errors.Is(err, pool.ErrPoolClosed):
		return true
	case resilience.IsCircuitOpen(err), errors.Is(err, resilience.ErrAttemptTimeout):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Status returns the engine's current state.
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := EngineStatus{
		IncrementalRunning: e.incRunning.Load(),
		FullRunning:        e.fullRunning.Load(),
		LastReports:        make(map[PassKind]*PassReport, len(e.lastReports)),
	}
	for k, v := range e.lastReports {
		cp := *v
		status.LastReports[k] = &cp
	}
	if !e.lastIncremental.IsZero() {
		t := e.lastIncremental
		status.LastIncremental = &t
	}
	if !e.lastFull.IsZero() {
		t := e.lastFull
		status.LastFull = &t
	}
	if !e.watermark.IsZero() {
		t := e.watermark
		status.Watermark = &t
	}
	return status
}

// History returns recent passes, newest first.
func (e *Engine) History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	return e.state.GetSyncHistory(ctx, limit, offset)
}
