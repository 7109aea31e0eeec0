package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"erp-mirror-sync/internal/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return NewMySQLStore(&database.Database{DB: db}), mock
}

func conflictRowColumns() []string {
	cols := strings.Split(conflictColumns, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func TestMySQLStore_ResolveConflictCompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res := ConflictResolution{
		Status:       StatusResolved,
		Resolution:   AcceptServer,
		ResolvedBy:   "supervisor",
		ResolvedData: map[string]any{"stock_qty": 8.0},
		ResolvedAt:   at,
	}

	mock.ExpectExec("UPDATE conflicts SET status").
		WithArgs("resolved", "accept_server", "supervisor", sqlmock.AnyArg(), at, "c1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conflicts SET status").
		WithArgs("resolved", "accept_server", "supervisor", sqlmock.AnyArg(), at, "c1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ResolveConflict(ctx, "c1", res)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ResolveConflict(ctx, "c1", res)
	require.NoError(t, err)
	assert.False(t, ok, "no row left in pending")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ResolveConflictPropagatesErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE conflicts SET status").WillReturnError(sql.ErrConnDone)

	ok, err := s.ResolveConflict(context.Background(), "c1", ConflictResolution{Status: StatusIgnored, Resolution: Ignore})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ReopenConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE conflicts SET status = \\?, resolution = NULL").
		WithArgs("pending", "c1", "pending", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE conflicts SET status = \\?, resolution = NULL").
		WithArgs("pending", "c1", "pending", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.ReopenConflict(ctx, "c1", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReopenConflict(ctx, "c1", at)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetConflictDecodesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	detected := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	resolved := detected.Add(time.Hour)

	rows := sqlmock.NewRows(conflictRowColumns()).AddRow(
		"c1", "item", "ABC213",
		[]byte(`{"stock_qty":5}`),
		[]byte(`{"stock_qty":8}`),
		[]byte(`[{"field":"stock_qty","local_value":5,"server_value":8}]`),
		"resolved", "accept_server", "supervisor",
		resolved,
		[]byte(`{"stock_qty":8}`),
		detected, detected, nil, detected,
	)
	mock.ExpectQuery("FROM conflicts WHERE id = \\?").WithArgs("c1").WillReturnRows(rows)

	c, err := s.GetConflict(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "ABC213", c.EntityID)
	assert.Equal(t, StatusResolved, c.Status)
	assert.Equal(t, AcceptServer, c.Resolution)
	assert.Equal(t, "supervisor", c.ResolvedBy)
	assert.Empty(t, c.DetectedBy)
	assert.Equal(t, 5.0, c.LocalData["stock_qty"])
	assert.Equal(t, 8.0, c.ServerData["stock_qty"])
	assert.Equal(t, 8.0, c.ResolvedData["stock_qty"])
	require.Len(t, c.Diff, 1)
	assert.Equal(t, "stock_qty", c.Diff[0].Field)
	require.NotNil(t, c.ResolvedAt)
	assert.True(t, c.ResolvedAt.Equal(resolved))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetConflictMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM conflicts WHERE id = \\?").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(conflictRowColumns()))

	c, err := s.GetConflict(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ListConflictsFiltersAndPages(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	detected := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	row := func(id string) []driver.Value {
		return []driver.Value{
			id, "item", "ABC213",
			[]byte(`{"stock_qty":5}`), []byte(`{"stock_qty":8}`), []byte(`[]`),
			"pending", nil, nil, nil, nil,
			detected, detected, "scheduler", detected,
		}
	}
	mock.ExpectQuery("FROM conflicts WHERE status = \\? ORDER BY detected_at ASC LIMIT \\? OFFSET \\?").
		WithArgs("pending", 2, 4).
		WillReturnRows(sqlmock.NewRows(conflictRowColumns()).AddRow(row("c5")...).AddRow(row("c6")...))
	mock.ExpectQuery("FROM conflicts ORDER BY detected_at ASC LIMIT \\? OFFSET \\?").
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows(conflictRowColumns()))

	page, err := s.ListConflicts(ctx, StatusPending, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c5", page[0].ID)
	assert.Equal(t, "scheduler", page[1].DetectedBy)
	assert.Nil(t, page[0].ResolvedAt)
	assert.Nil(t, page[0].ResolvedData)

	all, err := s.ListConflicts(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_CreateConflictEncodesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	detected := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c := newConflict("c1", detected)

	mock.ExpectExec("INSERT INTO conflicts").
		WithArgs("c1", "item", "ABC213",
			[]byte(`{"stock_qty":5}`),
			[]byte(`{"stock_qty":8}`),
			[]byte(`[{"field":"stock_qty","local_value":5,"server_value":8}]`),
			"pending", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, detected).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateConflict(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetSyncHistoryPages(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	done := started.Add(time.Minute)

	cols := []string{"id", "pass", "started_at", "completed_at", "items_checked", "items_created", "qty_updated",
		"qty_changes_detected", "metadata_updated", "errors", "status", "error_message"}
	mock.ExpectQuery("FROM sync_history ORDER BY started_at DESC LIMIT \\? OFFSET \\?").
		WithArgs(20, 40).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("h2", "incremental", started.Add(time.Hour), nil, 0, 0, 0, 0, 0, 0, "running", nil).
			AddRow("h1", "full", started, done, 12, 2, 3, 4, 1, 1, "partial", "1 record failed"))

	history, err := s.GetSyncHistory(context.Background(), 20, 40)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].CompletedAt)
	assert.Empty(t, history[0].ErrorMessage)
	require.NotNil(t, history[1].CompletedAt)
	assert.True(t, history[1].CompletedAt.Equal(done))
	assert.Equal(t, 3, history[1].QtyUpdated)
	assert.Equal(t, 4, history[1].QtyChangesDetected)
	assert.Equal(t, "1 record failed", history[1].ErrorMessage)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetSyncStateMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM sync_state WHERE name = \\?").
		WithArgs("incremental").
		WillReturnRows(sqlmock.NewRows([]string{"name", "last_sync_time", "rows_synced", "status", "error_message", "updated_at"}))

	state, err := s.GetSyncState(context.Background(), "incremental")
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}
