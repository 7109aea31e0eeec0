package sync

import (
	"errors"
	"fmt"
	"time"
)

type PassKind string

const (
	PassIncremental PassKind = "incremental"
	PassFull        PassKind = "full"
)

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusRunning = "running"
)

const (
	SourceERP         = "erp"
	SourceMirrorCache = "mirror_cache"
)

var (
	// ErrPassInProgress is returned when a pass of the same kind is already running here or,
	// with a shared lease, on another replica.
	ErrPassInProgress = errors.New("sync pass already in progress")
	ErrItemNotFound   = errors.New("item not found")
	ErrMalformedRow   = errors.New("malformed ERP row")
)

// SyncRecordError is one record that failed during a pass. The pass carries on.
type SyncRecordError struct {
	ItemCode string
	Err      error
}

func (e *SyncRecordError) Error() string {
	return fmt.Sprintf("sync item %s: %v", e.ItemCode, e.Err)
}

func (e *SyncRecordError) Unwrap() error {
	return e.Err
}

// PassReport summarizes one pass.
type PassReport struct {
	Pass               PassKind      `json:"pass"`
	Status             string        `json:"status"`
	ItemsChecked       int           `json:"items_checked"`
	ItemsCreated       int           `json:"items_created"`
	QtyUpdated         int           `json:"qty_updated"`
	QtyChangesDetected int           `json:"qty_changes_detected"`
	MetadataUpdated    int           `json:"metadata_updated"`
	Errors             int           `json:"errors"`
	Duration           time.Duration `json:"duration"`
	StartedAt          time.Time     `json:"started_at"`
	Error              string        `json:"error,omitempty"`

	RecordErrors []*SyncRecordError `json:"-"`
}

// FailedItems lists the item codes that failed, for logging and the API.
func (r *PassReport) FailedItems() []string {
	codes := make([]string, 0, len(r.RecordErrors))
	for _, e := range r.RecordErrors {
		codes = append(codes, e.ItemCode)
	}
	return codes
}

// RealtimeResult answers a single-item quantity check.
type RealtimeResult struct {
	ItemCode    string    `json:"item_code"`
	Updated     bool      `json:"updated"`
	PreviousQty *float64  `json:"previous_qty"`
	NewQty      float64   `json:"new_qty"`
	Delta       float64   `json:"delta"`
	Source      string    `json:"source"`
	CheckedAt   time.Time `json:"checked_at"`
	Reason      string    `json:"reason,omitempty"`
}
