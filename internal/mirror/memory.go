package mirror

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Document
	writes      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Document)}
}

func (s *MemoryStore) FindOne(ctx context.Context, collection string, filter Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			return Clone(doc), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, filter, update Document) error {
	_, err := s.BulkWrite(ctx, collection, []WriteOp{{Filter: filter, Update: update, Upsert: true}})
	return err
}

func (s *MemoryStore) BulkWrite(ctx context.Context, collection string, ops []WriteOp) (BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return BulkResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res BulkResult
	for _, op := range ops {
		docs := s.collections[collection]
		found := false
		for _, doc := range docs {
			if !matches(doc, op.Filter) {
				continue
			}
			found = true
			res.Matched++
			if applyUpdate(doc, op.Update) {
				res.Modified++
				s.writes++
			}
			break
		}
		if found || !op.Upsert {
			continue
		}

		doc := Clone(op.Filter)
		applyUpdate(doc, op.Update)
		doc[IDField] = uuid.New().String()
		s.collections[collection] = append(docs, doc)
		res.Upserted++
		s.writes++
	}
	return res, nil
}

// Writes returns how many documents were inserted or modified.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Count returns the number of documents in collection.
func (s *MemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryStore) Close() error {
	return nil
}

// applyUpdate sets update's fields on doc and reports whether anything changed.
func applyUpdate(doc, update Document) bool {
	changed := false
	for k, v := range update {
		if k == IDField {
			continue
		}
		if cur, ok := doc[k]; ok && Equal(cur, v) {
			continue
		}
		doc[k] = cloneValue(v)
		changed = true
	}
	return changed
}
