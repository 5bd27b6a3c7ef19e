package app

import (
	"errors"
	"fmt"

	"github.com/hylla/crc/internal/domain"
)

// ErrNotFound and related errors describe pipeline and infrastructure failures.
var (
	ErrNotFound           = errors.New("not found")
	ErrStaleState         = errors.New("stale state")
	ErrPrecondition       = errors.New("precondition failed")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrDuplicateNode      = errors.New("duplicate cl node")
	ErrValidationFailure  = errors.New("validation failure")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrBatchPending       = errors.New("merge batch has participants still validating")
	ErrBatchHalted        = errors.New("merge batch halted for manual resolution")
	ErrNotCancellable     = errors.New("drop is not cancellable in its current state")
	ErrInvalidResolution  = errors.New("invalid external resolution")
	ErrEmptyBatch         = errors.New("no validated drops for target")
	ErrPayloadTooLarge    = errors.New("payload too large")
)

// StaleStateError reports a compare-and-swap transition whose expected state no longer matched.
type StaleStateError struct {
	DropID   string
	Expected domain.State
	Actual   domain.State
}

// Error implements error.
func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state for drop %s: expected %s, found %s", e.DropID, e.Expected, e.Actual)
}

// Is lets errors.Is match ErrStaleState.
func (e *StaleStateError) Is(target error) bool {
	return target == ErrStaleState
}

// PreconditionError reports an operation attempted against a drop in the wrong state.
type PreconditionError struct {
	Op       string
	DropID   string
	Required domain.State
	Actual   domain.State
}

// Error implements error.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s drop %s: requires state %s, found %s", e.Op, e.DropID, e.Required, e.Actual)
}

// Is lets errors.Is match ErrPrecondition.
func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}
