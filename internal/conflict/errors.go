package conflict

import "errors"

var (
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrMissingMergeData        = errors.New("merge resolution requires merged data")
	ErrInvalidResolution       = errors.New("invalid resolution")
	ErrUnknownStrategy         = errors.New("unknown auto-resolve strategy")
	// ErrApplyFailed means the mirror write failed and the conflict is pending again.
	ErrApplyFailed = errors.New("resolution not applied to mirror")
)
