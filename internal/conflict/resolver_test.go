package conflict

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver() (*Resolver, *store.MemoryStore, *mirror.MemoryStore) {
	st := store.NewMemoryStore()
	m := mirror.NewMemoryStore()
	return NewResolver(st, m, nil, nil, nil), st, m
}

func TestDetect_NoDifference(t *testing.T) {
	r, st, _ := newTestResolver()

	id, err := r.Detect(context.Background(), "session", "S1", map[string]any{"qty": 5}, map[string]any{"qty": 5}, "tablet-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	all, err := st.ListConflicts(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDetect_RecordsDiff(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	local := map[string]any{"qty": 5}
	server := map[string]any{"qty": 8}
	id, err := r.Detect(ctx, "session", "S1", local, server, "tablet-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, c.Status)
	assert.Equal(t, "session", c.EntityType)
	assert.Equal(t, "S1", c.EntityID)
	require.Len(t, c.Diff, 1)
	assert.Equal(t, "qty", c.Diff[0].Field)
	assert.True(t, mirror.Equal(5, c.Diff[0].LocalValue))
	assert.True(t, mirror.Equal(8, c.Diff[0].ServerValue))

	assert.Equal(t, map[string]any{"qty": 5}, local, "inputs are not modified")
	assert.Equal(t, map[string]any{"qty": 8}, server)
}

func TestDiff(t *testing.T) {
	diff := Diff(
		map[string]any{"qty": 5, "name": "a", "only_local": 1, "updated_at": "2024-01-01T00:00:00Z", "_id": "x"},
		map[string]any{"qty": 5.0, "name": "b", "only_server": 2, "updated_at": "2024-02-01T00:00:00Z", "_id": "y"},
	)
	require.Len(t, diff, 1)
	assert.Equal(t, "name", diff[0].Field)

	diff = Diff(map[string]any{"b": 1, "a": 1}, map[string]any{"b": 2, "a": 2})
	require.Len(t, diff, 2)
	assert.Equal(t, "a", diff[0].Field)
	assert.Equal(t, "b", diff[1].Field)
}

func TestDetect_Timestamps(t *testing.T) {
	r, _, _ := newTestResolver()
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	t1 := now.Add(-time.Hour)

	id, err := r.Detect(context.Background(), "item", "A", map[string]any{"qty": 1, "updated_at": t1.Format(time.RFC3339)}, map[string]any{"qty": 2}, "")
	require.NoError(t, err)

	c, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, c.LocalTimestamp.Equal(t1))
	assert.True(t, c.ServerTimestamp.Equal(now), "missing timestamp falls back to detection time")
}

func TestResolve_ExactlyOnce(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	id, err := r.Detect(ctx, "session", "S1", map[string]any{"qty": 5}, map[string]any{"qty": 8}, "")
	require.NoError(t, err)

	data, err := r.Resolve(ctx, id, store.AcceptServer, "supervisor", nil)
	require.NoError(t, err)
	assert.True(t, mirror.Equal(8, data["qty"]))

	_, err = r.Resolve(ctx, id, store.AcceptLocal, "supervisor", nil)
	assert.ErrorIs(t, err, ErrConflictAlreadyResolved)
}

func TestResolve_ConcurrentCallersOneWins(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	id, err := r.Detect(ctx, "session", "S1", map[string]any{"qty": 5}, map[string]any{"qty": 8}, "")
	require.NoError(t, err)

	var mu sync.Mutex
	var wins, already int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(ctx, id, store.AcceptServer, "x", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflictAlreadyResolved):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, already)
}

func TestResolve_Errors(t *testing.T) {
	r, _, _ := newTestResolver()
	ctx := context.Background()

	_, err := r.Resolve(ctx, "missing", store.AcceptServer, "x", nil)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	id, err := r.Detect(ctx, "session", "S1", map[string]any{"qty": 5}, map[string]any{"qty": 8}, "")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, id, store.Merge, "x", nil)
	assert.ErrorIs(t, err, ErrMissingMergeData)

	_, err = r.Resolve(ctx, id, store.Resolution("coin_flip"), "x", nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)

	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, c.Status, "rejected input leaves the conflict pending")

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolve_AppliesToMirror(t *testing.T) {
	r, _, m := newTestResolver()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, mirror.ItemsCollection, mirror.ItemFilter("ABC213"), mirror.Document{
		mirror.FieldStockQty: 8,
		"location":           "A1",
	}))

	id, err := r.Detect(ctx, "item", "ABC213", map[string]any{"stock_qty": 5}, map[string]any{"stock_qty": 8}, "")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, id, store.AcceptLocal, "supervisor", nil)
	require.NoError(t, err)

	doc, err := m.FindOne(ctx, mirror.ItemsCollection, mirror.ItemFilter("ABC213"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, mirror.Equal(5, doc[mirror.FieldStockQty]))
	assert.Equal(t, true, doc[mirror.FieldConflictResolved])
	assert.Equal(t, "A1", doc["location"])
	_, ok := mirror.Time(doc[mirror.FieldUpdatedAt])
	assert.True(t, ok)
}

func TestResolve_MergeUsesCallerData(t *testing.T) {
	r, _, m := newTestResolver()
	ctx := context.Background()

	id, err := r.Detect(ctx, "item", "X1", map[string]any{"stock_qty": 5, "item_name": "a"}, map[string]any{"stock_qty": 8, "item_name": "b"}, "")
	require.NoError(t, err)

	merged := map[string]any{"stock_qty": 6, "item_name": "b"}
	data, err := r.Resolve(ctx, id, store.Merge, "supervisor", merged)
	require.NoError(t, err)
	assert.Equal(t, merged, data)

	doc, err := m.FindOne(ctx, mirror.ItemsCollection, mirror.ItemFilter("X1"))
	require.NoError(t, err)
	assert.True(t, mirror.Equal(6, doc[mirror.FieldStockQty]))
}

func TestResolve_IgnoreLeavesMirrorUntouched(t *testing.T) {
	r, st, m := newTestResolver()
	ctx := context.Background()

	id, err := r.Detect(ctx, "item", "ABC213", map[string]any{"stock_qty": 5}, map[string]any{"stock_qty": 8}, "")
	require.NoError(t, err)

	data, err := r.Resolve(ctx, id, store.Ignore, "supervisor", nil)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, 0, m.Writes())

	c, err := st.GetConflict(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIgnored, c.Status)
	assert.Equal(t, store.Ignore, c.Resolution)
}

func TestAutoResolve_NewestWins(t *testing.T) {
	r, st, _ := newTestResolver()
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	serverNewer, err := r.Detect(ctx, "session", "S1",
		map[string]any{"qty": 5, "updated_at": t1}, map[string]any{"qty": 8, "updated_at": t2}, "")
	require.NoError(t, err)
	localNewer, err := r.Detect(ctx, "session", "S2",
		map[string]any{"qty": 5, "updated_at": t2}, map[string]any{"qty": 8, "updated_at": t1}, "")
	require.NoError(t, err)
	tie, err := r.Detect(ctx, "session", "S3",
		map[string]any{"qty": 5, "updated_at": t1}, map[string]any{"qty": 8, "updated_at": t1}, "")
	require.NoError(t, err)

	n, err := r.AutoResolvePending(ctx, NewestWins)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	c, _ := st.GetConflict(ctx, serverNewer)
	assert.Equal(t, store.AcceptServer, c.Resolution)
	assert.True(t, mirror.Equal(8, c.ResolvedData["qty"]))
	assert.Equal(t, "auto:newest_wins", c.ResolvedBy)

	c, _ = st.GetConflict(ctx, localNewer)
	assert.Equal(t, store.AcceptLocal, c.Resolution)

	c, _ = st.GetConflict(ctx, tie)
	assert.Equal(t, store.AcceptServer, c.Resolution, "ties favour the server")

	n, err = r.AutoResolvePending(ctx, ServerWins)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type failingMirror struct {
	*mirror.MemoryStore
	failFor string
}

func (f *failingMirror) Upsert(ctx context.Context, collection string, filter, update mirror.Document) error {
	if filter[mirror.FieldItemCode] == f.failFor {
		return errors.New("mirror unavailable")
	}
	return f.MemoryStore.Upsert(ctx, collection, filter, update)
}

func TestAutoResolve_SkipsFailures(t *testing.T) {
	st := store.NewMemoryStore()
	m := &failingMirror{MemoryStore: mirror.NewMemoryStore(), failFor: "BAD"}
	r := NewResolver(st, m, nil, nil, nil)
	ctx := context.Background()

	for _, code := range []string{"A", "BAD", "C"} {
		_, err := r.Detect(ctx, "item", code, map[string]any{"stock_qty": 1}, map[string]any{"stock_qty": 2}, "")
		require.NoError(t, err)
	}

	n, err := r.AutoResolvePending(ctx, LocalWins)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Count(mirror.ItemsCollection))

	pending, err := st.ListConflicts(ctx, store.StatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the unapplied conflict is left for the next run")
	assert.Equal(t, "BAD", pending[0].EntityID)
}

func TestResolve_ApplyFailureReopensConflict(t *testing.T) {
	st := store.NewMemoryStore()
	m := &failingMirror{MemoryStore: mirror.NewMemoryStore(), failFor: "ABC213"}
	r := NewResolver(st, m, nil, nil, nil)
	ctx := context.Background()

	id, err := r.Detect(ctx, "item", "ABC213", map[string]any{"stock_qty": 5}, map[string]any{"stock_qty": 8}, "")
	require.NoError(t, err)

	data, err := r.Resolve(ctx, id, store.AcceptServer, "supervisor", nil)
	assert.ErrorIs(t, err, ErrApplyFailed)
	assert.Nil(t, data)

	c, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, c.Status)
	assert.Nil(t, c.ResolvedAt)
	assert.Empty(t, c.Resolution)

	m.failFor = ""
	data, err = r.Resolve(ctx, id, store.AcceptServer, "supervisor", nil)
	require.NoError(t, err)
	assert.True(t, mirror.Equal(8, data["stock_qty"]))

	doc, err := m.FindOne(ctx, mirror.ItemsCollection, mirror.ItemFilter("ABC213"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, true, doc[mirror.FieldConflictResolved])
}

func TestStrategyByName(t *testing.T) {
	for _, name := range []string{"server_wins", "local_wins", "newest_wins"} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}
	_, err := StrategyByName("random")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
