// Package audit implements the compliance ledger: entries are written before a side-effecting
// action and updated exactly once with its outcome. When DynamoDB is unreachable the entry is
// written to a durable local log instead of being dropped.
package audit

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether s is a final outcome.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// ActionType classifies the audited action.
type ActionType string

const (
	ActionPaymentCapture    ActionType = "payment-capture"
	ActionPaymentRefund     ActionType = "payment-refund"
	ActionSecurityViolation ActionType = "security-violation"
)

var (
	// ErrAuditWriteFailed means the ledger could not persist an entry to its primary store.
	// Callers about to move money must abort.
	ErrAuditWriteFailed = errors.New("audit: write failed")
	// ErrAlreadyCompleted means the entry already carries a terminal outcome.
	ErrAlreadyCompleted = errors.New("audit: entry already completed")
	// ErrNotTerminal is returned when Complete is called with a non-terminal status.
	ErrNotTerminal = errors.New("audit: outcome status must be terminal")
)

// Entry is the persisted audit record.
type Entry struct {
	EntryID        string            `dynamodbav:"entry_id" json:"entry_id"`
	TenantID       string            `dynamodbav:"tenant_id" json:"tenant_id"`
	IdempotencyKey string            `dynamodbav:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	ActionType     ActionType        `dynamodbav:"action_type" json:"action_type"`
	Status         Status            `dynamodbav:"status" json:"status"`
	ActorType      string            `dynamodbav:"actor_type,omitempty" json:"actor_type,omitempty"`
	ActorID        string            `dynamodbav:"actor_id,omitempty" json:"actor_id,omitempty"`
	ResourceRef    string            `dynamodbav:"resource_ref,omitempty" json:"resource_ref,omitempty"`
	AmountCents    int64             `dynamodbav:"amount_cents,omitempty" json:"amount_cents,omitempty"`
	Currency       string            `dynamodbav:"currency,omitempty" json:"currency,omitempty"`
	ProcessorRef   string            `dynamodbav:"processor_ref,omitempty" json:"processor_ref,omitempty"`
	ErrorDetail    string            `dynamodbav:"error_detail,omitempty" json:"error_detail,omitempty"`
	Metadata       map[string]string `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time         `dynamodbav:"created_at" json:"created_at"`
	CompletedAt    *time.Time        `dynamodbav:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Intent describes an action about to be attempted.
type Intent struct {
	TenantID       string
	IdempotencyKey string
	ActionType     ActionType
	ActorType      string
	ActorID        string
	ResourceRef    string
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
}

// Outcome is the terminal update applied to an initiated entry.
type Outcome struct {
	Status       Status
	ProcessorRef string
	ErrorDetail  string
}

// Violation describes a refused cross-tenant access.
type Violation struct {
	TenantID      string // tenant the request was authenticated as
	OwnerTenantID string // tenant owning the resource
	RequestID     string
	ActorType     string
	ActorID       string
	ResourceRef   string
	Operation     string
}
