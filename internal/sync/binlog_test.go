package sync

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"erp-mirror-sync/internal/mirror"
	"erp-mirror-sync/internal/store"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemTable(name string) *schema.Table {
	return &schema.Table{
		Schema: "erp",
		Name:   name,
		Columns: []schema.TableColumn{
			{Name: "name"},
			{Name: "item_name"},
			{Name: "actual_qty"},
		},
	}
}

func TestRowHandler_TracksTouchedCodes(t *testing.T) {
	feed := newChangeFeed("tabItem", "name")
	h := &rowHandler{feed: feed}

	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  itemTable("tabItem"),
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{"A1", "Alpha", 1}},
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  itemTable("tabItem"),
		Action: canal.UpdateAction,
		Rows:   [][]interface{}{{"B2", "Beta", 1}, {[]byte("B2-NEW"), "Beta", 2}},
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  itemTable("tabItem"),
		Action: canal.DeleteAction,
		Rows:   [][]interface{}{{"A1", "Alpha", 1}},
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  itemTable("tabBin"),
		Action: canal.UpdateAction,
		Rows:   [][]interface{}{{"IGNORED", "x", 1}},
	}))

	codes, overflowed := feed.Drain()
	assert.ElementsMatch(t, []string{"A1", "B2", "B2-NEW"}, codes)
	assert.False(t, overflowed)
	codes, _ = feed.Drain()
	assert.Empty(t, codes, "drain forgets delivered codes")
}

func TestRowHandler_MissingCodeColumn(t *testing.T) {
	feed := newChangeFeed("tabItem", "item_code")
	h := &rowHandler{feed: feed}

	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  itemTable("tabItem"),
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{"A1", "Alpha", 1}},
	}))
	codes, _ := feed.Drain()
	assert.Empty(t, codes)
}

func TestChangeFeed_Overflow(t *testing.T) {
	feed := newChangeFeed("tabItem", "name")
	codes := make([]string, maxPendingCodes+10)
	for i := range codes {
		codes[i] = "C" + strconv.Itoa(i)
	}
	feed.track(codes...)

	assert.True(t, feed.Overflowed())
	drained, overflowed := feed.Drain()
	assert.Len(t, drained, maxPendingCodes)
	assert.True(t, overflowed)
	assert.False(t, feed.Overflowed())
}

func TestChangeFeed_Requeue(t *testing.T) {
	feed := newChangeFeed("tabItem", "name")
	feed.track("A1", "B2")
	codes, overflowed := feed.Drain()

	feed.track("C3")
	feed.Requeue(codes, true)

	again, overflowedAgain := feed.Drain()
	assert.ElementsMatch(t, []string{"A1", "B2", "C3"}, again)
	assert.False(t, overflowed)
	assert.True(t, overflowedAgain, "a requeued overflow still asks for a full fetch")
}

func TestRunIncremental_OverflowedFeedFallsBackToFullFetch(t *testing.T) {
	feed := newChangeFeed("tabItem", "name")
	feed.overflow = true
	feed.pending["A1"] = struct{}{}

	src := newFakeSource(SourceItem{ItemCode: "A1", StockQty: 1}, SourceItem{ItemCode: "B2", StockQty: 2})
	engine := newTestEngine(src, mirror.NewMemoryStore(), store.NewMemoryStore(), nil, nil, feed)

	report, err := engine.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ItemsCreated)
	assert.Empty(t, src.since, "the changed-rows query is skipped")
	assert.False(t, feed.Overflowed())
}

func TestRunIncremental_FailedFullFetchKeepsOverflow(t *testing.T) {
	feed := newChangeFeed("tabItem", "name")
	feed.overflow = true

	src := newFakeSource()
	src.err = errors.New("erp down")
	engine := newTestEngine(src, mirror.NewMemoryStore(), store.NewMemoryStore(), nil, nil, feed)

	_, err := engine.RunIncremental(context.Background())
	require.Error(t, err)
	assert.True(t, feed.Overflowed())
}
