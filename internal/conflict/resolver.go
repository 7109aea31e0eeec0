// Package conflict detects field-level divergence between a client's copy of a record and
// the server's, persists it, and applies resolutions to the mirror.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"erp-mirror-sync/internal/metrics"
	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// bookkeeping fields never take part in a diff
var ignoredFields = map[string]bool{
	mirror.IDField:        true,
	mirror.FieldUpdatedAt: true,
	mirror.FieldCreatedAt: true,
}

const autoResolvePageSize = 100

// Target locates the mirror document for an entity type.
type Target struct {
	Collection string
	KeyField   string
}

// DefaultTargets maps items onto the items collection.
func DefaultTargets() map[string]Target {
	return map[string]Target{
		"item": {Collection: mirror.ItemsCollection, KeyField: mirror.FieldItemCode},
	}
}

type Resolver struct {
	store   store.Store
	mirror  mirror.Store
	targets map[string]Target
	logger  *zap.Logger
	prom    *metrics.Metrics
	now     func() time.Time
}

func NewResolver(st store.Store, m mirror.Store, targets map[string]Target, logger *zap.Logger, prom *metrics.Metrics) *Resolver {
	if targets == nil {
		targets = DefaultTargets()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   st,
		mirror:  m,
		targets: targets,
		logger:  logger,
		prom:    prom,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Diff compares the fields present in both payloads. Entries are sorted by field.
func Diff(local, server map[string]any) []store.DiffEntry {
	var diff []store.DiffEntry
	for field, lv := range local {
		if ignoredFields[field] {
			continue
		}
		sv, ok := server[field]
		if !ok || mirror.Equal(lv, sv) {
			continue
		}
		diff = append(diff, store.DiffEntry{Field: field, LocalValue: lv, ServerValue: sv})
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i].Field < diff[j].Field })
	return diff
}

// Detect persists a pending conflict when local and server disagree on a shared field and
// returns its id. It returns "" when the payloads agree. Neither input is modified.
func (r *Resolver) Detect(ctx context.Context, entityType, entityID string, local, server map[string]any, actor string) (string, error) {
	diff := Diff(local, server)
	if len(diff) == 0 {
		return "", nil
	}

	now := r.now()
	c := &store.Conflict{
		ID:              uuid.New().String(),
		EntityType:      entityType,
		EntityID:        entityID,
		LocalData:       mirror.Clone(local),
		ServerData:      mirror.Clone(server),
		Diff:            diff,
		Status:          store.StatusPending,
		LocalTimestamp:  timestampOf(local, now),
		ServerTimestamp: timestampOf(server, now),
		DetectedBy:      actor,
		DetectedAt:      now,
	}
	if err := r.store.CreateConflict(ctx, c); err != nil {
		return "", fmt.Errorf("failed to record conflict: %w", err)
	}

	r.prom.RecordConflictDetected(entityType)
	r.logger.Info("Conflict detected",
		zap.String("conflict_id", c.ID),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.Int("fields", len(diff)))

	return c.ID, nil
}

func timestampOf(data map[string]any, fallback time.Time) time.Time {
	if t, ok := mirror.Time(data[mirror.FieldUpdatedAt]); ok {
		return t.UTC()
	}
	return fallback
}

// Resolve applies resolution to a pending conflict and returns the resolved data (nil for
// ignore). Only one caller can resolve a given conflict.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution store.Resolution, resolvedBy string, merged map[string]any) (map[string]any, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", id, err)
	}
	if c == nil {
		return nil, ErrConflictNotFound
	}
	if c.Status != store.StatusPending {
		return nil, ErrConflictAlreadyResolved
	}

	var data map[string]any
	status := store.StatusResolved
	switch resolution {
	case store.AcceptServer:
		data = c.ServerData
	case store.AcceptLocal:
		data = c.LocalData
	case store.Merge:
		if len(merged) == 0 {
			return nil, ErrMissingMergeData
		}
		data = mirror.Clone(merged)
	case store.Ignore:
		status = store.StatusIgnored
	}

	resolvedAt := r.now().Truncate(time.Microsecond)
	ok, err := r.store.ResolveConflict(ctx, id, store.ConflictResolution{
		Status:       status,
		Resolution:   resolution,
		ResolvedBy:   resolvedBy,
		ResolvedData: data,
		ResolvedAt:   resolvedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if !ok {
		return nil, ErrConflictAlreadyResolved
	}

	if status == store.StatusIgnored {
		r.prom.RecordConflictResolved(string(resolution))
		r.logger.Info("Conflict ignored", zap.String("conflict_id", id), zap.String("resolved_by", resolvedBy))
		return nil, nil
	}

	if err := r.apply(ctx, c, data); err != nil {
		// the resolution only stands once the mirror has it
		reopened, rerr := r.store.ReopenConflict(context.WithoutCancel(ctx), id, resolvedAt)
		if rerr != nil || !reopened {
			r.logger.Error("Failed to reopen conflict after apply failure",
				zap.String("conflict_id", id),
				zap.Bool("reopened", reopened),
				zap.NamedError("reopen_error", rerr),
				zap.Error(err))
			return nil, fmt.Errorf("conflict %s resolved but not applied: %w", id, err)
		}
		r.logger.Warn("Conflict resolution not applied, back to pending",
			zap.String("conflict_id", id),
			zap.String("resolution", string(resolution)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: conflict %s: %w", ErrApplyFailed, id, err)
	}
	r.prom.RecordConflictResolved(string(resolution))

	r.logger.Info("Conflict resolved",
		zap.String("conflict_id", id),
		zap.String("resolution", string(resolution)),
		zap.String("resolved_by", resolvedBy))
	return data, nil
}

// apply writes resolved data to the entity's mirror document.
func (r *Resolver) apply(ctx context.Context, c *store.Conflict, data map[string]any) error {
	target, ok := r.targets[c.EntityType]
	if !ok {
		r.logger.Debug("No mirror target for entity type, nothing to apply", zap.String("entity_type", c.EntityType))
		return nil
	}

	update := mirror.Clone(data)
	delete(update, mirror.IDField)
	update[target.KeyField] = c.EntityID
	update[mirror.FieldUpdatedAt] = r.now()
	update[mirror.FieldConflictResolved] = true

	return r.mirror.Upsert(ctx, target.Collection, mirror.Document{target.KeyField: c.EntityID}, update)
}

// AutoResolvePending resolves every pending conflict with strategy and returns how many
// were resolved. Failures are logged and skipped.
func (r *Resolver) AutoResolvePending(ctx context.Context, strategy Strategy) (int, error) {
	var pending []*store.Conflict
	for offset := 0; ; offset += autoResolvePageSize {
		page, err := r.store.ListConflicts(ctx, store.StatusPending, autoResolvePageSize, offset)
		if err != nil {
			return 0, fmt.Errorf("failed to list pending conflicts: %w", err)
		}
		pending = append(pending, page...)
		if len(page) < autoResolvePageSize {
			break
		}
	}

	resolved := 0
	actor := "auto:" + strategy.Name()
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if _, err := r.Resolve(ctx, c.ID, strategy.Choose(c), actor, nil); err != nil {
			r.logger.Warn("Auto-resolve failed, skipping",
				zap.String("conflict_id", c.ID),
				zap.String("strategy", strategy.Name()),
				zap.Error(err))
			continue
		}
		resolved++
	}

	if len(pending) > 0 {
		r.logger.Info("Auto-resolved conflicts",
			zap.String("strategy", strategy.Name()),
			zap.Int("pending", len(pending)),
			zap.Int("resolved", resolved))
	}
	return resolved, nil
}

// Get returns a conflict by id.
func (r *Resolver) Get(ctx context.Context, id string) (*store.Conflict, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConflictNotFound
	}
	return c, nil
}

// List returns conflicts with the given status; an empty status lists all.
func (r *Resolver) List(ctx context.Context, status store.ConflictStatus, limit, offset int) ([]*store.Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListConflicts(ctx, status, limit, offset)
}
