package sync

import (
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/logger"
)

// maxPendingCodes bounds the feed between two incremental passes. Past it the feed asks for
// a full pass instead of growing further.
const maxPendingCodes = 100000

// BinlogChangeFeed follows the ERP item table's binlog and remembers which item codes were
// inserted, updated or deleted since the last Drain.
type BinlogChangeFeed struct {
	cfg        config.DatabaseConnection
	canal      *canal.Canal
	table      string
	codeColumn string

	mu       sync.Mutex
	pending  map[string]struct{}
	overflow bool
}

func NewBinlogChangeFeed(cfg config.DatabaseConnection, binlog config.BinlogConfig, codeColumn string) (*BinlogChangeFeed, error) {
	f := newChangeFeed(binlog.Table, codeColumn)
	f.cfg = cfg

	serverID := cfg.ServerID
	if serverID == 0 {
		serverID = 1001
	}

	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: serverID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // binlog only, no initial dump
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", cfg.Database, binlog.Table)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	c.SetEventHandler(&rowHandler{feed: f})
	f.canal = c
	return f, nil
}

func newChangeFeed(table, codeColumn string) *BinlogChangeFeed {
	return &BinlogChangeFeed{
		table:      table,
		codeColumn: codeColumn,
		pending:    make(map[string]struct{}),
	}
}

// Start follows the binlog from the current master position.
func (f *BinlogChangeFeed) Start() error {
	pos, err := f.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}

	logger.Log.Info("Starting binlog change feed",
		zap.String("host", f.cfg.Host),
		zap.String("table", f.table),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	go func() {
		if err := f.canal.RunFrom(pos); err != nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

func (f *BinlogChangeFeed) Stop() {
	if f.canal != nil {
		f.canal.Close()
	}
	logger.Log.Info("Stopped binlog change feed")
}

// Drain returns the codes seen since the previous call and forgets them. overflowed is set
// when codes were dropped in between.
func (f *BinlogChangeFeed) Drain() (codes []string, overflowed bool) {
	f.mu.Lock()
	pending := f.pending
	overflowed = f.overflow
	f.pending = make(map[string]struct{})
	f.overflow = false
	f.mu.Unlock()

	codes = make([]string, 0, len(pending))
	for code := range pending {
		codes = append(codes, code)
	}
	return codes, overflowed
}

// Requeue puts back codes from a pass that could not fetch them.
func (f *BinlogChangeFeed) Requeue(codes []string, overflowed bool) {
	f.track(codes...)
	if overflowed {
		f.mu.Lock()
		f.overflow = true
		f.mu.Unlock()
	}
}

// Overflowed reports whether codes were dropped since the last Drain.
func (f *BinlogChangeFeed) Overflowed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overflow
}

func (f *BinlogChangeFeed) track(codes ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range codes {
		if code == "" {
			continue
		}
		if len(f.pending) >= maxPendingCodes {
			if !f.overflow {
				logger.Log.Warn("Change feed full, dropping codes until next drain", zap.Int("pending", len(f.pending)))
			}
			f.overflow = true
			return
		}
		f.pending[code] = struct{}{}
	}
}

type rowHandler struct {
	canal.DummyEventHandler
	feed *BinlogChangeFeed
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table == nil || e.Table.Name != h.feed.table {
		return nil
	}
	switch e.Action {
	case canal.InsertAction, canal.UpdateAction, canal.DeleteAction:
	default:
		return nil
	}

	idx := e.Table.FindColumn(h.feed.codeColumn)
	if idx < 0 {
		logger.Log.Warn("Item code column missing from binlog table",
			zap.String("table", e.Table.Name),
			zap.String("column", h.feed.codeColumn),
		)
		return nil
	}

	// updates carry before and after images; both codes are tracked so renames are seen
	codes := make([]string, 0, len(e.Rows))
	for _, row := range e.Rows {
		if idx < len(row) {
			codes = append(codes, stringValue(row[idx]))
		}
	}
	h.feed.track(codes...)
	return nil
}

func (h *rowHandler) String() string {
	return "ItemChangeHandler"
}
