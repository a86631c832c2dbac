package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// Request headers understood by the API.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorType      = "X-Actor-Type"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRequestID      = "X-Request-Id"
)

const (
	ctxTenantID  = "tenant_id"
	ctxRequestID = "request_id"
)

// RequestContext assigns a request id and attaches a request-scoped logger to the context.
func RequestContext(logger *zap.Logger) gin.HandlerFunc {
	logger = observability.OrNop(logger)
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(ctxRequestID, reqID)
		c.Header(HeaderRequestID, reqID)

		log := logger.With(
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
		)
		c.Request = c.Request.WithContext(observability.WithLogger(c.Request.Context(), log))

		start := time.Now()
		c.Next()
		log.Info("http.request",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// RequireTenant rejects requests without a tenant header.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_tenant", "message": HeaderTenantID + " header is required"})
			return
		}
		c.Set(ctxTenantID, tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(ctxTenantID)
}

// actorFrom builds the caller identity from headers. HTTP callers may act as staff, customer
// or kitchen only; scheduler, payment and system actors are internal.
func actorFrom(c *gin.Context) (orders.Actor, bool) {
	actor := orders.Actor{
		Type:      orders.ActorStaff,
		ID:        strings.TrimSpace(c.GetHeader(HeaderActorID)),
		RequestID: c.GetString(ctxRequestID),
	}
	if raw := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorType))); raw != "" {
		actor.Type = orders.ActorType(raw)
	}
	switch actor.Type {
	case orders.ActorStaff, orders.ActorCustomer, orders.ActorKitchen:
		return actor, true
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_actor", "message": "unsupported " + HeaderActorType})
	return orders.Actor{}, false
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return "", false
	}
	return key, true
}
