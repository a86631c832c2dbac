package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
	"github.com/imrishuroy/restaurant-orderflow/internal/payments"
	"github.com/imrishuroy/restaurant-orderflow/internal/validation"
)

type orderService interface {
	CreateOrder(ctx context.Context, tenantID, idempotencyKey string, in orders.CreateOrderInput) (*orders.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (*orders.Order, error)
	History(ctx context.Context, tenantID, orderID string) ([]orders.Transition, error)
	UpdateStatus(ctx context.Context, tenantID, orderID string, target orders.Status, actor orders.Actor) (*orders.Order, error)
}

type paymentService interface {
	CapturePayment(ctx context.Context, tenantID, orderID, idempotencyKey string, amountCents int64, opts ...payments.Option) (*payments.Result, error)
	RefundPayment(ctx context.Context, tenantID, orderID, idempotencyKey, paymentRef string, amountCents int64, reason string, opts ...payments.Option) (*payments.Result, error)
}

// HandlerConfig groups dependencies for the API handlers.
type HandlerConfig struct {
	Orders   orderService
	Payments paymentService
	Logger   *zap.Logger
}

type ordersHandler struct {
	orders orderService
	v      *validatorv10.Validate
}

// NewRouter builds the gin engine with every API route registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestContext(observability.OrNop(cfg.Logger).Named("http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterOrdersRoutes(r, cfg)
	RegisterPaymentRoutes(r, cfg)
	return r
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r gin.IRouter, cfg HandlerConfig) {
	h := &ordersHandler{orders: cfg.Orders, v: validation.New()}

	g := r.Group("/orders", RequireTenant())
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.GET("/:id/transitions", h.history)
	g.PATCH("/:id/status", h.updateStatus)
}

func (h *ordersHandler) create(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), tenantID(c), key, req.ToInput())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
	c.JSON(http.StatusCreated, order)
}

func (h *ordersHandler) get(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	ctx := orders.WithActor(c.Request.Context(), actor)
	order, err := h.orders.GetOrder(ctx, tenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *ordersHandler) history(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	ctx := orders.WithActor(c.Request.Context(), actor)
	rows, err := h.orders.History(ctx, tenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if rows == nil {
		rows = []orders.Transition{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "transitions": rows})
}

func (h *ordersHandler) updateStatus(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req validation.UpdateStatusRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	target, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	actor.Reason = req.Reason

	order, err := h.orders.UpdateStatus(c.Request.Context(), tenantID(c), c.Param("id"), target, actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
