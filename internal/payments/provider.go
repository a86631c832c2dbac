// Package payments captures and refunds order payments. Every processor call is bracketed by
// an audit entry written before the call and completed after it.
package payments

import "context"

// ProcessorStatus is the normalized outcome reported by a processor.
type ProcessorStatus string

const (
	ProcessorSucceeded ProcessorStatus = "succeeded"
	ProcessorDeclined  ProcessorStatus = "declined"
)

// ChargeRequest asks the processor to move money from the customer.
type ChargeRequest struct {
	TenantID        string
	OrderID         string
	IdempotencyKey  string
	AmountCents     int64
	Currency        string
	PaymentMethodID string
	Metadata        map[string]string
}

// RefundRequest returns money for a previous charge.
type RefundRequest struct {
	TenantID       string
	OrderID        string
	IdempotencyKey string
	PaymentRef     string
	AmountCents    int64
	Reason         string
	Metadata       map[string]string
}

// ProcessorResult is the processor's answer. Declines are results, not errors; errors are
// reserved for calls whose outcome is unknown.
type ProcessorResult struct {
	Reference   string
	Status      ProcessorStatus
	DeclineCode string
	Message     string
}

// Processor is the external payment processor.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (ProcessorResult, error)
	Refund(ctx context.Context, req RefundRequest) (ProcessorResult, error)
}
