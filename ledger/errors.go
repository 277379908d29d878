/*
errors.go - Sentinel errors for the ledger core

ERROR CATEGORIES:
  1. Value errors - Money would go negative, malformed entries
  2. Infrastructure errors - anchoring and persistence failures (retryable)
  3. Concurrency errors - optimistic version check failed (retryable)

Business rule failures are NOT here; they live in package rules as typed
violations with stable codes.
*/
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNegativeMoney is returned when Money would be negative.
	ErrNegativeMoney = errors.New("money cannot be negative")

	// ErrInvalidEntry is returned when an entry fails structural validation.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrConcurrentModification is returned when an aggregate's version
	// changed between read and conditional write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAnchoringFailed is returned when no receipt could be obtained.
	ErrAnchoringFailed = errors.New("anchoring failed")
)

// AnchoringError carries the underlying anchoring failure.
type AnchoringError struct {
	EntryID EntryID
	Err     error
}

func (e *AnchoringError) Error() string {
	return fmt.Sprintf("anchoring entry %s: %v", e.EntryID, e.Err)
}

func (e *AnchoringError) Unwrap() []error {
	return []error{ErrAnchoringFailed, e.Err}
}

// ConflictError names the aggregate whose version check failed.
type ConflictError struct {
	Aggregate string
	ID        string
	Expected  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d: %v", e.Aggregate, e.ID, e.Expected, ErrConcurrentModification)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}
