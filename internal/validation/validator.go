package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// New returns a configured validator with the order-specific rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// status strings must name one of the order statuses
	_ = v.RegisterValidation("order_status", func(fl validatorv10.FieldLevel) bool {
		_, err := orders.ParseStatus(fl.Field().String())
		return err == nil
	})

	// a client-supplied total must agree with the sum of its items
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// createOrderStructValidation verifies the aggregated item total equals TotalCents when the
// client sends one.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)
	if req.TotalCents == nil {
		return
	}

	var sum int64
	for _, it := range req.Items {
		sum += int64(it.Quantity) * it.UnitPriceCents
	}
	if sum != *req.TotalCents {
		sl.ReportError(*req.TotalCents, "total_cents", "TotalCents", "total_match_items", fmt.Sprintf("items sum %d != total %d", sum, *req.TotalCents))
	}
}

// ToInput converts a validated request into the service payload.
func (r CreateOrderRequest) ToInput() orders.CreateOrderInput {
	items := make([]orders.LineItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = orders.LineItem{
			MenuItemID:     it.MenuItemID,
			Name:           it.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			Modifications:  it.Modifications,
		}
	}
	return orders.CreateOrderInput{
		Items:           items,
		Currency:        r.Currency,
		Notes:           r.Notes,
		ScheduledFireAt: r.ScheduledFireAt,
	}
}
