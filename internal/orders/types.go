package orders

import "time"

// Status is the single enumeration of order states shared by every caller.
type Status string

// Order statuses
const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusPickedUp  Status = "picked-up"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// scheduleBucket is the constant partition of the schedule-index GSI. Orders carry it only
// while they are waiting to be fired.
const scheduleBucket = "scheduled"

// LineItem is one ordered menu item. Prices are in minor currency units.
type LineItem struct {
	MenuItemID     string   `dynamodbav:"menu_item_id" json:"menu_item_id"`
	Name           string   `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Quantity       int      `dynamodbav:"quantity" json:"quantity"`
	UnitPriceCents int64    `dynamodbav:"unit_price_cents" json:"unit_price_cents"`
	Modifications  []string `dynamodbav:"modifications,omitempty" json:"modifications,omitempty"`
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID         string     `dynamodbav:"order_id" json:"order_id"` // PK
	TenantID        string     `dynamodbav:"tenant_id" json:"tenant_id"`
	Status          Status     `dynamodbav:"status" json:"status"`
	Items           []LineItem `dynamodbav:"items" json:"items"`
	TotalCents      int64      `dynamodbav:"total_cents" json:"total_cents"`
	Currency        string     `dynamodbav:"currency" json:"currency"`
	Notes           string     `dynamodbav:"notes,omitempty" json:"notes,omitempty"`
	IdempotencyKey  string     `dynamodbav:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	ScheduledFireAt *time.Time `dynamodbav:"scheduled_fire_at,omitempty" json:"scheduled_fire_at,omitempty"`
	FireAtEpoch     int64      `dynamodbav:"fire_at_epoch,omitempty" json:"-"`
	ScheduleBucket  string     `dynamodbav:"schedule_bucket,omitempty" json:"-"` // schedule-index hash key
	Version         int64      `dynamodbav:"version" json:"version"`
	CreatedAt       time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `dynamodbav:"updated_at" json:"updated_at"`
}

// ActorType identifies who requested a change.
type ActorType string

const (
	ActorStaff     ActorType = "staff"
	ActorCustomer  ActorType = "customer"
	ActorKitchen   ActorType = "kitchen"
	ActorScheduler ActorType = "scheduler"
	ActorPayment   ActorType = "payment"
	ActorSystem    ActorType = "system"
)

// Actor is the caller context attached to every status change.
type Actor struct {
	Type      ActorType
	ID        string
	RequestID string
	Reason    string
}

// Transition is one row of the append-only order_transitions table.
type Transition struct {
	OrderID      string    `dynamodbav:"order_id" json:"order_id"`           // PK
	TransitionID string    `dynamodbav:"transition_id" json:"transition_id"` // SK, ULID
	TenantID     string    `dynamodbav:"tenant_id" json:"tenant_id"`
	From         Status    `dynamodbav:"from_status,omitempty" json:"from,omitempty"`
	To           Status    `dynamodbav:"to_status" json:"to"`
	ActorType    ActorType `dynamodbav:"actor_type" json:"actor_type"`
	ActorID      string    `dynamodbav:"actor_id,omitempty" json:"actor_id,omitempty"`
	Reason       string    `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	OccurredAt   time.Time `dynamodbav:"occurred_at" json:"occurred_at"`
}

// CreateOrderInput is the payload of a new order.
type CreateOrderInput struct {
	Items           []LineItem `json:"items"`
	Currency        string     `json:"currency"`
	Notes           string     `json:"notes,omitempty"`
	ScheduledFireAt *time.Time `json:"scheduled_fire_at,omitempty"`
}

// DueOrder is a scheduler-eligible order as selected by a sweep.
type DueOrder struct {
	OrderID  string
	TenantID string
	Status   Status
	FireAt   time.Time
}

// StatusEvent is published after every committed status change.
type StatusEvent struct {
	OrderID    string    `json:"order_id"`
	TenantID   string    `json:"tenant_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Version    int64     `json:"version"`
	ActorType  ActorType `json:"actor_type"`
	ActorID    string    `json:"actor_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (o *Order) scheduled() bool {
	return o.ScheduledFireAt != nil && schedulable(o.Status)
}

// schedulable reports whether an order in s is still waiting to be fired.
func schedulable(s Status) bool {
	switch s {
	case StatusNew, StatusPending, StatusConfirmed:
		return true
	}
	return false
}
