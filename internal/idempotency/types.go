package idempotency

import (
	"errors"
	"fmt"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Scopes separate keys used by different operations of the same tenant.
const (
	ScopeOrderCreate    = "order-create"
	ScopePaymentCapture = "payment-capture"
	ScopePaymentRefund  = "payment-refund"
)

const (
	// DefaultTTL bounds how long a key is remembered.
	DefaultTTL = 24 * time.Hour
	// DefaultLease bounds how long an IN_PROGRESS claim blocks others before it may be taken over.
	DefaultLease = 2 * time.Minute
)

var (
	// ErrFingerprintMismatch is returned when a key is reused for a different payload.
	ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request payload")
	// ErrAwaitTimeout is returned when an in-flight claim did not finish within the wait window.
	ErrAwaitTimeout = errors.New("idempotency: timed out waiting for in-flight request")
	// ErrConditionFailed indicates a conditional write on the record failed.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrInvalidKey is returned for empty keys or tenant ids containing the key separator.
	ErrInvalidKey = errors.New("idempotency: invalid key")
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK: tenant#scope#key
	TenantID       string    `dynamodbav:"tenant_id"`
	Scope          string    `dynamodbav:"scope"`
	ClientKey      string    `dynamodbav:"client_key"`
	Fingerprint    string    `dynamodbav:"fingerprint"`
	Status         string    `dynamodbav:"status"`
	ResourceID     string    `dynamodbav:"resource_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"` // small responses only
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"`       // TTL epoch seconds
	LeaseExpiresAt int64     `dynamodbav:"lease_expires_at"` // epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// ClaimState is the outcome of trying to claim a key.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must execute the operation.
	ClaimAcquired ClaimState = iota
	// ClaimCompleted means a previous request finished; its result should be replayed.
	ClaimCompleted
	// ClaimInFlight means another request currently owns the key.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimCompleted:
		return "completed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// ClaimRequest identifies one logical request.
type ClaimRequest struct {
	TenantID    string
	Scope       string
	Key         string
	Fingerprint string
	ResourceID  string // id the winner will create, recorded up front
}

// Claim is the result of Store.Claim.
type Claim struct {
	State  ClaimState
	Record IdempotencyRecord
}

// DuplicateRequestError reports a request whose key is already owned by another request.
type DuplicateRequestError struct {
	Scope    string
	Key      string
	InFlight bool
}

func (e *DuplicateRequestError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("duplicate request: %s key %q is still being processed", e.Scope, e.Key)
	}
	return fmt.Sprintf("duplicate request: %s key %q already processed", e.Scope, e.Key)
}
