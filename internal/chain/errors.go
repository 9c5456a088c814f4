package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState marks an operation attempted in the wrong lifecycle
	// phase. It is always a caller bug and is never retried.
	ErrInvalidState = errors.New("chain: invalid state")

	// ErrIntegrity marks an append that would break sequencing or linkage.
	// It is fatal to the recording session.
	ErrIntegrity = errors.New("chain: integrity violation")

	// ErrNotFound is returned by RevisionAt for an index outside the chain.
	ErrNotFound = errors.New("chain: revision not found")
)

// InvalidStateError describes which operation was rejected and why.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("chain: %s: invalid state: %s", e.Op, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// IntegrityError reports the sequence index at which an append was refused.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain: integrity violation at index %d: %s", e.Index, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
