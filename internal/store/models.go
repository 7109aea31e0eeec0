package store

import (
	"time"
)

type ConflictStatus string

const (
	StatusPending  ConflictStatus = "pending"
	StatusResolved ConflictStatus = "resolved"
	StatusIgnored  ConflictStatus = "ignored"
)

type Resolution string

const (
	AcceptServer Resolution = "accept_server"
	AcceptLocal  Resolution = "accept_local"
	Merge        Resolution = "merge"
	Ignore       Resolution = "ignore"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case AcceptServer, AcceptLocal, Merge, Ignore:
		return true
	}
	return false
}

// DiffEntry is one field on which the local and server copies disagree.
type DiffEntry struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"local_value"`
	ServerValue any    `json:"server_value"`
}

type Conflict struct {
	ID              string         `json:"id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	LocalData       map[string]any `json:"local_data"`
	ServerData      map[string]any `json:"server_data"`
	Diff            []DiffEntry    `json:"diff"`
	Status          ConflictStatus `json:"status"`
	Resolution      Resolution     `json:"resolution,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedData    map[string]any `json:"resolved_data,omitempty"`
	LocalTimestamp  time.Time      `json:"local_timestamp"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
	DetectedBy      string         `json:"detected_by,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
}

// ConflictResolution is the pending -> resolved/ignored transition.
type ConflictResolution struct {
	Status       ConflictStatus
	Resolution   Resolution
	ResolvedBy   string
	ResolvedData map[string]any
	ResolvedAt   time.Time
}

// SyncState is the persisted progress of one pass kind.
type SyncState struct {
	Name         string    `json:"name"`
	LastSyncTime time.Time `json:"last_sync_time"`
	RowsSynced   int64     `json:"rows_synced"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncHistory records one completed pass.
type SyncHistory struct {
	ID                 string     `json:"id"`
	Pass               string     `json:"pass"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ItemsChecked       int        `json:"items_checked"`
	ItemsCreated       int        `json:"items_created"`
	QtyUpdated         int        `json:"qty_updated"`
	QtyChangesDetected int        `json:"qty_changes_detected"`
	MetadataUpdated    int        `json:"metadata_updated"`
	Errors             int        `json:"errors"`
	Status             string     `json:"status"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}
