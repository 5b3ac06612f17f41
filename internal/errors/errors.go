package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid input")

	// ErrInvalidTransition is returned for a status move the lifecycle graph
	// does not allow, or a resolution reason outside the allow-list.
	ErrInvalidTransition = errors.New("invalid transition")

	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackingStoreUnavailable marks connection-class failures of the
	// counter store. Only these trigger the ledger fallback.
	ErrBackingStoreUnavailable = errors.New("backing store unavailable")

	// ErrDurableStore marks failures of the durable ledger. A pass that hits
	// one aborts and records a FAILED heartbeat.
	ErrDurableStore = errors.New("durable store failure")

	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrAlreadyClaimed is internal to the claim protocol: the unit was
	// committed or reclaimed by another runner in the meantime.
	ErrAlreadyClaimed = errors.New("already claimed")

	ErrInvalidCode     = errors.New("invalid code")
	ErrTooManyAttempts = errors.New("too many attempts")
)

func NewInternal(format string, a ...interface{}) error {
	return fmt.Errorf("INTERNAL: "+format, a...)
}

func NewNotFound(format string, a ...interface{}) error {
	return fmt.Errorf("NOT FOUND: "+format+": %w", append(a, ErrNotFound)...)
}

func NewConflict(format string, a ...interface{}) error {
	return fmt.Errorf("CONFLICT: "+format+": %w", append(a, ErrConflict)...)
}

func NewInvalid(format string, a ...interface{}) error {
	return fmt.Errorf("INVALID: "+format+": %w", append(a, ErrInvalid)...)
}

func NewInvalidTransition(format string, a ...interface{}) error {
	return fmt.Errorf("INVALID TRANSITION: "+format+": %w", append(a, ErrInvalidTransition)...)
}

// NewDurable wraps a ledger failure so callers can tell it apart from a
// delivery failure.
func NewDurable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDurableStore, err)
}

func NewDeliveryFailed(format string, a ...interface{}) error {
	return fmt.Errorf("DELIVERY: "+format+": %w", append(a, ErrDeliveryFailed)...)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func IsBackingStoreUnavailable(err error) bool {
	return errors.Is(err, ErrBackingStoreUnavailable)
}

func IsDurable(err error) bool {
	return errors.Is(err, ErrDurableStore)
}

func IsDeliveryFailed(err error) bool {
	return errors.Is(err, ErrDeliveryFailed)
}

func IsAlreadyClaimed(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed)
}

func IsInternal(err error) bool {
	return err != nil && !IsNotFound(err) && !IsConflict(err) && !IsInvalid(err) &&
		!IsInvalidTransition(err) && !IsRateLimited(err)
}
