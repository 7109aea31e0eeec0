package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"erp-mirror-sync/internal/database"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_state (
		name           VARCHAR(64) PRIMARY KEY,
		last_sync_time DATETIME(6) NULL,
		rows_synced    BIGINT NOT NULL DEFAULT 0,
		status         VARCHAR(32) NOT NULL,
		error_message  TEXT NULL,
		updated_at     DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id               CHAR(36) PRIMARY KEY,
		entity_type      VARCHAR(64) NOT NULL,
		entity_id        VARCHAR(191) NOT NULL,
		local_data       JSON NOT NULL,
		server_data      JSON NOT NULL,
		diff             JSON NOT NULL,
		status           VARCHAR(16) NOT NULL,
		resolution       VARCHAR(16) NULL,
		resolved_by      VARCHAR(191) NULL,
		resolved_at      DATETIME(6) NULL,
		resolved_data    JSON NULL,
		local_timestamp  DATETIME(6) NOT NULL,
		server_timestamp DATETIME(6) NOT NULL,
		detected_by      VARCHAR(191) NULL,
		detected_at      DATETIME(6) NOT NULL,
		INDEX idx_conflicts_status (status, detected_at),
		INDEX idx_conflicts_entity (entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		id                   CHAR(36) PRIMARY KEY,
		pass                 VARCHAR(16) NOT NULL,
		started_at           DATETIME(6) NOT NULL,
		completed_at         DATETIME(6) NULL,
		items_checked        INT NOT NULL DEFAULT 0,
		items_created        INT NOT NULL DEFAULT 0,
		qty_updated          INT NOT NULL DEFAULT 0,
		qty_changes_detected INT NOT NULL DEFAULT 0,
		metadata_updated     INT NOT NULL DEFAULT 0,
		errors               INT NOT NULL DEFAULT 0,
		status               VARCHAR(16) NOT NULL,
		error_message        TEXT NULL,
		INDEX idx_sync_history_started (started_at)
	)`,
}

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, diff, status, resolution, resolved_by,
	resolved_at, resolved_data, local_timestamp, server_timestamp, detected_by, detected_at`

type MySQLStore struct {
	db *database.Database
}

func NewMySQLStore(db *database.Database) *MySQLStore {
	return &MySQLStore{db: db}
}

// Migrate creates the state tables if they do not exist.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.DB.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) GetSyncState(ctx context.Context, name string) (*SyncState, error) {
	query := `SELECT name, last_sync_time, rows_synced, status, error_message, updated_at
			  FROM sync_state WHERE name = ?`

	var state SyncState
	var lastSync sql.NullTime
	var errMsg sql.NullString
	err := s.db.DB.QueryRowContext(ctx, query, name).Scan(
		&state.Name,
		&lastSync,
		&state.RowsSynced,
		&state.Status,
		&errMsg,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.LastSyncTime = lastSync.Time
	state.ErrorMessage = errMsg.String
	return &state, nil
}

func (s *MySQLStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	query := `INSERT INTO sync_state (name, last_sync_time, rows_synced, status, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  last_sync_time = VALUES(last_sync_time),
			  rows_synced = VALUES(rows_synced),
			  status = VALUES(status),
			  error_message = VALUES(error_message),
			  updated_at = VALUES(updated_at)`

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.DB.ExecContext(ctx, query,
		state.Name,
		nullTime(state.LastSyncTime),
		state.RowsSynced,
		state.Status,
		nullString(state.ErrorMessage),
		state.UpdatedAt,
	)
	return err
}

func (s *MySQLStore) CreateConflict(ctx context.Context, c *Conflict) error {
	local, err := json.Marshal(c.LocalData)
	if err != nil {
		return fmt.Errorf("encode local data: %w", err)
	}
	server, err := json.Marshal(c.ServerData)
	if err != nil {
		return fmt.Errorf("encode server data: %w", err)
	}
	diff, err := json.Marshal(c.Diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}

	query := `INSERT INTO conflicts (id, entity_type, entity_id, local_data, server_data, diff, status,
			  local_timestamp, server_timestamp, detected_by, detected_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.DB.ExecContext(ctx, query,
		c.ID,
		c.EntityType,
		c.EntityID,
		local,
		server,
		diff,
		c.Status,
		c.LocalTimestamp,
		c.ServerTimestamp,
		nullString(c.DetectedBy),
		c.DetectedAt,
	)
	return err
}

func (s *MySQLStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)

	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *MySQLStore) ListConflicts(ctx context.Context, status ConflictStatus, limit, offset int) ([]*Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *MySQLStore) ResolveConflict(ctx context.Context, id string, res ConflictResolution) (bool, error) {
	var data []byte
	if res.ResolvedData != nil {
		var err error
		if data, err = json.Marshal(res.ResolvedData); err != nil {
			return false, fmt.Errorf("encode resolved data: %w", err)
		}
	}

	query := `UPDATE conflicts SET status = ?, resolution = ?, resolved_by = ?, resolved_data = ?, resolved_at = ?
			  WHERE id = ? AND status = ?`

	result, err := s.db.DB.ExecContext(ctx, query,
		res.Status,
		res.Resolution,
		nullString(res.ResolvedBy),
		data,
		res.ResolvedAt,
		id,
		StatusPending,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *MySQLStore) ReopenConflict(ctx context.Context, id string, resolvedAt time.Time) (bool, error) {
	query := `UPDATE conflicts SET status = ?, resolution = NULL, resolved_by = NULL, resolved_data = NULL, resolved_at = NULL
			  WHERE id = ? AND status <> ? AND resolved_at = ?`

	result, err := s.db.DB.ExecContext(ctx, query, StatusPending, id, StatusPending, resolvedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *MySQLStore) CreateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `INSERT INTO sync_history (id, pass, started_at, completed_at, items_checked, items_created, qty_updated,
			  qty_changes_detected, metadata_updated, errors, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		h.ID,
		h.Pass,
		h.StartedAt,
		h.CompletedAt,
		h.ItemsChecked,
		h.ItemsCreated,
		h.QtyUpdated,
		h.QtyChangesDetected,
		h.MetadataUpdated,
		h.Errors,
		h.Status,
		nullString(h.ErrorMessage),
	)
	return err
}

func (s *MySQLStore) UpdateSyncHistory(ctx context.Context, h *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, items_checked = ?, items_created = ?, qty_updated = ?,
			  qty_changes_detected = ?, metadata_updated = ?, errors = ?, status = ?, error_message = ? WHERE id = ?`

	_, err := s.db.DB.ExecContext(ctx, query,
		h.CompletedAt,
		h.ItemsChecked,
		h.ItemsCreated,
		h.QtyUpdated,
		h.QtyChangesDetected,
		h.MetadataUpdated,
		h.Errors,
		h.Status,
		nullString(h.ErrorMessage),
		h.ID,
	)
	return err
}

func (s *MySQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, pass, started_at, completed_at, items_checked, items_created, qty_updated,
			  qty_changes_detected, metadata_updated, errors, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		var completed sql.NullTime
		var errMsg sql.NullString
		err := rows.Scan(
			&h.ID,
			&h.Pass,
			&h.StartedAt,
			&completed,
			&h.ItemsChecked,
			&h.ItemsCreated,
			&h.QtyUpdated,
			&h.QtyChangesDetected,
			&h.MetadataUpdated,
			&h.Errors,
			&h.Status,
			&errMsg,
		)
		if err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			h.CompletedAt = &t
		}
		h.ErrorMessage = errMsg.String
		history = append(history, &h)
	}
	return history, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConflict(row scanner) (*Conflict, error) {
	var c Conflict
	var local, server, diff, resolvedData []byte
	var resolution, resolvedBy, detectedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&c.ID,
		&c.EntityType,
		&c.EntityID,
		&local,
		&server,
		&diff,
		&c.Status,
		&resolution,
		&resolvedBy,
		&resolvedAt,
		&resolvedData,
		&c.LocalTimestamp,
		&c.ServerTimestamp,
		&detectedBy,
		&c.DetectedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(local, &c.LocalData); err != nil {
		return nil, fmt.Errorf("conflict %s local data: %w", c.ID, err)
	}
	if err := decodeJSON(server, &c.ServerData); err != nil {
		return nil, fmt.Errorf("conflict %s server data: %w", c.ID, err)
	}
	if err := decodeJSON(diff, &c.Diff); err != nil {
		return nil, fmt.Errorf("conflict %s diff: %w", c.ID, err)
	}
	if err := decodeJSON(resolvedData, &c.ResolvedData); err != nil {
		return nil, fmt.Errorf("conflict %s resolved data: %w", c.ID, err)
	}
	c.Resolution = Resolution(resolution.String)
	c.ResolvedBy = resolvedBy.String
	c.DetectedBy = detectedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
