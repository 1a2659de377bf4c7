package quotaledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrValidation     = errors.New("quotaledger: invalid argument")
	ErrUnknownBucket  = fmt.Errorf("%w: unknown bucket", ErrValidation)
	ErrInvalidAmount  = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidLimit   = fmt.Errorf("%w: limit must be positive", ErrValidation)
	ErrMissingUserID  = fmt.Errorf("%w: user id is required", ErrValidation)
	ErrMissingAdminID = fmt.Errorf("%w: admin id is required", ErrValidation)

	ErrTransactionConflict = errors.New("quotaledger: transaction conflict")
	ErrStoreUnavailable    = errors.New("quotaledger: store unavailable")
	ErrAuditWrite          = errors.New("quotaledger: audit write failed")
)

// Error wraps an engine failure with the operation and key it happened on.
type Error struct {
	Op     string
	UserID string
	Bucket Bucket
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("quotaledger: op=%s user=%s bucket=%s: %v", e.Op, e.UserID, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsValidation returns true if the request was rejected before reaching the store.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRetryable returns true if the operation may succeed when issued again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionConflict)
}

// IsInfrastructure returns true if the error means the system is broken
// rather than the request being wrong.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrAuditWrite)
}

// IsClassified reports whether err already carries one of the sentinels above.
// Stores use it to avoid re-classifying errors that passed through a transaction callback.
func IsClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrAuditWrite)
}
