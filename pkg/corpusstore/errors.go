package corpusstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status change that the window state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLockConflict indicates the window is held by another editor whose
	// lock has not expired.
	ErrLockConflict = errors.New("window is locked by another holder")

	// ErrNotHolder indicates the caller does not hold the window's lock.
	ErrNotHolder = errors.New("caller is not the lock holder")

	// ErrInvalidSpan indicates utterance timestamps that are malformed or
	// outside the owning window.
	ErrInvalidSpan = errors.New("invalid utterance span")

	// ErrUnverifiedUtterances indicates an approval attempted while some
	// non-rejected utterances are still unverified.
	ErrUnverifiedUtterances = errors.New("window has unverified utterances")

	// ErrNoPendingWindows indicates no window is eligible for claiming.
	ErrNoPendingWindows = errors.New("no pending windows")
)

// LockConflictError carries the current holder of a contested lock so the
// caller can report who owns the window.
type LockConflictError struct {
	Holder string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("window is locked by %q", e.Holder)
}

// Unwrap makes errors.Is(err, ErrLockConflict) work.
func (e *LockConflictError) Unwrap() error {
	return ErrLockConflict
}

// TransitionError records a rejected status transition.
type TransitionError struct {
	From WindowStatus
	To   WindowStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition window from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsLockConflict returns true if the error indicates a contested lock.
func IsLockConflict(err error) bool {
	return errors.Is(err, ErrLockConflict)
}

// IsNotHolder returns true if the error indicates a lock-ownership failure.
func IsNotHolder(err error) bool {
	return errors.Is(err, ErrNotHolder)
}

// IsInvalidSpan returns true if the error indicates malformed utterance
// timestamps.
func IsInvalidSpan(err error) bool {
	return errors.Is(err, ErrInvalidSpan)
}
