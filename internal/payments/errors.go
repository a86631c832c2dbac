package payments

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/restaurant-orderflow/internal/audit"
)

var (
	// ErrAuditWriteFailed aborts a payment before any money moves.
	ErrAuditWriteFailed = audit.ErrAuditWriteFailed
	// ErrUpstreamTimeout means the processor did not answer in time; the outcome is unknown
	// and must be reconciled.
	ErrUpstreamTimeout = errors.New("payment processor timed out")
	// ErrPaymentDeclined is matched by *DeclinedError.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrInvalidRequest wraps malformed payment requests.
	ErrInvalidRequest = errors.New("invalid payment request")
	// ErrOrderNotPayable is returned for orders in a status that cannot take payment.
	ErrOrderNotPayable = errors.New("order cannot accept payment in its current status")
)

// DeclinedError carries the processor's decline reason.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	if e.Code == "" {
		return "payment declined"
	}
	return fmt.Sprintf("payment declined: %s", e.Code)
}

// Is makes errors.Is(err, ErrPaymentDeclined) match.
func (e *DeclinedError) Is(target error) bool {
	return target == ErrPaymentDeclined
}
