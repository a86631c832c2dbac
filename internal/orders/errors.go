package orders

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no order exists for the id.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidInput wraps payload validation failures.
	ErrInvalidInput = errors.New("invalid order input")
	// ErrIdempotencyKeyReused is returned when a key is replayed with a different payload.
	ErrIdempotencyKeyReused = errors.New("idempotency key was already used with a different payload")
	// ErrStatusMismatch is returned by the store when the conditional status write loses.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// InvalidTransitionError is the typed rejection for an illegal status edge.
type InvalidTransitionError struct {
	Current   Status
	Target    Status
	ValidNext []Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (valid next: %s)", e.Current, e.Target, joinStatuses(e.ValidNext))
}

// StatusConflictError reports a status write that lost to a concurrent writer. Actual is the
// status the winner committed.
type StatusConflictError struct {
	Expected  Status
	Actual    Status
	Target    Status
	ValidNext []Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("status changed concurrently: expected %s, found %s while moving to %s (valid next: %s)",
		e.Expected, e.Actual, e.Target, joinStatuses(e.ValidNext))
}

// TenantMismatchError is returned when the caller's tenant does not own the order. The owning
// tenant is deliberately not part of the message.
type TenantMismatchError struct {
	TenantID string
	OrderID  string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("tenant %s may not access order %s", e.TenantID, e.OrderID)
}

// UnknownStatusError is returned by ParseStatus.
type UnknownStatusError struct {
	Value string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown order status %q", e.Value)
}

// IsRejection reports whether err is an expected, typed refusal of a status change as opposed
// to an infrastructure failure.
func IsRejection(err error) bool {
	var (
		ite *InvalidTransitionError
		sce *StatusConflictError
		tme *TenantMismatchError
		use *UnknownStatusError
	)
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotScheduled) ||
		errors.As(err, &ite) ||
		errors.As(err, &sce) ||
		errors.As(err, &tme) ||
		errors.As(err, &use)
}

func joinStatuses(ss []Status) string {
	if len(ss) == 0 {
		return "none"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
