package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	states    map[string]SyncState
	conflicts map[string]*Conflict
	history   map[string]*SyncHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:    make(map[string]SyncState),
		conflicts: make(map[string]*Conflict),
		history:   make(map[string]*SyncHistory),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) GetSyncState(ctx context.Context, name string) (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *MemoryStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.states[state.Name] = cp
	return nil
}

func (s *MemoryStore) CreateConflict(ctx context.Context, c *Conflict) error {
	cp, err := copyConflict(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = cp
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return copyConflict(c)
}

func (s *MemoryStore) ListConflicts(ctx context.Context, status ConflictStatus, limit, offset int) ([]*Conflict, error) {
	s.mu.Lock()
	var matched []*Conflict
	for _, c := range s.conflicts {
		if status != "" && c.Status != status {
			continue
		}
		cp, err := copyConflict(c)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		matched = append(matched, cp)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].DetectedAt.Before(matched[j].DetectedAt)
	})
	return page(matched, limit, offset), nil
}

func (s *MemoryStore) ResolveConflict(ctx context.Context, id string, res ConflictResolution) (bool, error) {
	data, err := copyMap(res.ResolvedData)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok || c.Status != StatusPending {
		return false, nil
	}
	at := res.ResolvedAt
	c.Status = res.Status
	c.Resolution = res.Resolution
	c.ResolvedBy = res.ResolvedBy
	c.ResolvedData = data
	c.ResolvedAt = &at
	return true, nil
}

func (s *MemoryStore) ReopenConflict(ctx context.Context, id string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok || c.Status == StatusPending || c.ResolvedAt == nil || !c.ResolvedAt.Equal(resolvedAt) {
		return false, nil
	}
	c.Status = StatusPending
	c.Resolution = ""
	c.ResolvedBy = ""
	c.ResolvedData = nil
	c.ResolvedAt = nil
	return true, nil
}

func (s *MemoryStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *h
	s.history[h.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateSyncHistory(ctx context.Context, h *SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.history[h.ID]; !ok {
		return nil
	}
	cp := *h
	s.history[h.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	s.mu.Lock()
	all := make([]*SyncHistory, 0, len(s.history))
	for _, h := range s.history {
		cp := *h
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	return page(all, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// copyConflict deep-copies through JSON so callers never share maps with the store.
func copyConflict(c *Conflict) (*Conflict, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var cp Conflict
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func copyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cp map[string]any
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return cp, nil
}
