package validation

import "time"

// Item represents a single order line item.
type Item struct {
	MenuItemID     string   `json:"menu_item_id" validate:"required"`
	Name           string   `json:"name,omitempty" validate:"max=120"`
	Quantity       int      `json:"quantity" validate:"required,min=1,max=99"`
	UnitPriceCents int64    `json:"unit_price_cents" validate:"gte=0"` // minor currency units
	Modifications  []string `json:"modifications,omitempty" validate:"max=20,dive,max=120"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Items           []Item     `json:"items" validate:"required,min=1,max=100,dive"`
	Currency        string     `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Notes           string     `json:"notes,omitempty" validate:"max=500"`
	TotalCents      *int64     `json:"total_cents,omitempty"` // optional; must match items when given
	ScheduledFireAt *time.Time `json:"scheduled_fire_at,omitempty"`
}

// UpdateStatusRequest is the payload for PATCH /orders/:id/status
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,order_status"`
	Reason string `json:"reason,omitempty" validate:"max=200"`
}

// CapturePaymentRequest is the payload for POST /orders/:id/payments
type CapturePaymentRequest struct {
	AmountCents   int64  `json:"amount_cents" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method,omitempty" validate:"max=255"`
}

// RefundRequest is the payload for POST /orders/:id/refunds
type RefundRequest struct {
	PaymentRef  string `json:"payment_ref" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Reason      string `json:"reason,omitempty" validate:"omitempty,oneof=duplicate fraudulent requested_by_customer"`
}
