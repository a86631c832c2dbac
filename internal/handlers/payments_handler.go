package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/restaurant-orderflow/internal/payments"
	"github.com/imrishuroy/restaurant-orderflow/internal/validation"
)

type paymentsHandler struct {
	payments paymentService
	v        *validatorv10.Validate
}

// RegisterPaymentRoutes registers the capture and refund routes.
func RegisterPaymentRoutes(r gin.IRouter, cfg HandlerConfig) {
	if cfg.Payments == nil {
		return
	}
	h := &paymentsHandler{payments: cfg.Payments, v: validation.New()}

	g := r.Group("/orders", RequireTenant())
	g.POST("/:id/payments", h.capture)
	g.POST("/:id/refunds", h.refund)
}

func (h *paymentsHandler) capture(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req validation.CapturePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	res, err := h.payments.CapturePayment(c.Request.Context(), tenantID(c), c.Param("id"), key, req.AmountCents,
		payments.WithActor(actor), payments.WithPaymentMethod(req.PaymentMethod))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(resultStatus(res), res)
}

func (h *paymentsHandler) refund(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req validation.RefundRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	res, err := h.payments.RefundPayment(c.Request.Context(), tenantID(c), c.Param("id"), key, req.PaymentRef, req.AmountCents, req.Reason,
		payments.WithActor(actor))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(resultStatus(res), res)
}

// a replayed result is answered with 200 so clients can tell it from the first response
func resultStatus(res *payments.Result) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
