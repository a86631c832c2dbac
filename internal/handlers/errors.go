package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
	"github.com/imrishuroy/restaurant-orderflow/internal/payments"
)

// writeError maps domain errors to HTTP responses. Unknown errors are logged and answered
// with a generic 500.
func writeError(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(c.Request.Context(), nil).Error("http.request.failed", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func classify(err error) (int, gin.H) {
	var (
		ite *orders.InvalidTransitionError
		sce *orders.StatusConflictError
		tme *orders.TenantMismatchError
		use *orders.UnknownStatusError
		dre *idempotency.DuplicateRequestError
		dec *payments.DeclinedError
	)
	switch {
	case errors.Is(err, payments.ErrAuditWriteFailed):
		// no money moved; this is an outage, not a decline
		return http.StatusServiceUnavailable, gin.H{"error": "payments_unavailable", "message": "payments are temporarily unavailable"}
	case errors.Is(err, payments.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, gin.H{"error": "processor_timeout", "message": "the payment processor did not answer in time; retry with the same Idempotency-Key"}
	case errors.As(err, &dec):
		return http.StatusPaymentRequired, gin.H{"error": "payment_declined", "decline_code": dec.Code, "message": dec.Error()}
	case errors.As(err, &ite):
		return http.StatusConflict, gin.H{
			"error":      "invalid_transition",
			"message":    ite.Error(),
			"current":    ite.Current,
			"target":     ite.Target,
			"valid_next": nonNil(ite.ValidNext),
		}
	case errors.As(err, &sce):
		return http.StatusConflict, gin.H{
			"error":      "status_conflict",
			"message":    sce.Error(),
			"current":    sce.Actual,
			"target":     sce.Target,
			"valid_next": nonNil(sce.ValidNext),
		}
	case errors.As(err, &tme):
		return http.StatusForbidden, gin.H{"error": "forbidden", "message": tme.Error()}
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found"}
	case errors.As(err, &dre):
		return http.StatusConflict, gin.H{"error": "request_in_progress", "message": dre.Error()}
	case errors.Is(err, orders.ErrIdempotencyKeyReused):
		return http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused", "message": err.Error()}
	case errors.Is(err, payments.ErrOrderNotPayable):
		return http.StatusConflict, gin.H{"error": "order_not_payable", "message": err.Error()}
	case errors.As(err, &use),
		errors.Is(err, orders.ErrInvalidInput),
		errors.Is(err, payments.ErrInvalidRequest),
		errors.Is(err, idempotency.ErrInvalidKey):
		return http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal_error"}
}

func nonNil(ss []orders.Status) []orders.Status {
	if ss == nil {
		return []orders.Status{}
	}
	return ss
}
