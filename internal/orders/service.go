package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/audit"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

const (
	defaultCurrency = "usd"
	// createAttempts bounds how often CreateOrder retries a claim released by a failed owner.
	createAttempts = 2
)

// ErrNotScheduled is returned by FireScheduled for an order without a fire time.
var ErrNotScheduled = errors.New("order is not scheduled")

type orderStore interface {
	Create(ctx context.Context, order Order, initial Transition, extra ...types.TransactWriteItem) error
	Get(ctx context.Context, orderID string) (*Order, error)
	UpdateStatus(ctx context.Context, current Order, target Status, tr Transition) (*Order, error)
	Transitions(ctx context.Context, orderID string) ([]Transition, error)
}

type idempotencyGuard interface {
	Claim(ctx context.Context, req idempotency.ClaimRequest) (idempotency.Claim, error)
	Await(ctx context.Context, tenantID, scope, key string) (*idempotency.IdempotencyRecord, error)
	CompleteItem(tenantID, scope, key, resourceID, responseBody string) (types.TransactWriteItem, error)
	MarkFailed(ctx context.Context, tenantID, scope, key, note string) error
}

type violationRecorder interface {
	RecordSecurityViolation(ctx context.Context, v audit.Violation) error
}

type eventPublisher interface {
	Publish(ctx context.Context, payload any, attributes map[string]string) error
}

// ServiceDeps wires the collaborators of Service.
type ServiceDeps struct {
	Store           orderStore
	Idempotency     idempotencyGuard
	Audit           violationRecorder
	Events          eventPublisher // optional
	Logger          *zap.Logger
	Clock           func() time.Time
	NewOrderID      func() string
	DefaultCurrency string
}

// Service is the only writer of an order's status.
type Service struct {
	store    orderStore
	idem     idempotencyGuard
	audit    violationRecorder
	events   eventPublisher
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() string
	currency string
}

// NewService constructs a Service.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("orders: store is required")
	}
	if deps.Idempotency == nil {
		return nil, errors.New("orders: idempotency store is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("orders: audit ledger is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.NewOrderID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	currency := strings.ToLower(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultCurrency
	}
	return &Service{
		store:    deps.Store,
		idem:     deps.Idempotency,
		audit:    deps.Audit,
		events:   deps.Events,
		logger:   observability.OrNop(deps.Logger).Named("orders"),
		clock:    clock,
		newID:    newID,
		currency: currency,
	}, nil
}

// CreateOrder creates an order in status new. A retry carrying the same tenant, key and payload
// returns the order created by the first request; no second order is written.
func (s *Service) CreateOrder(ctx context.Context, tenantID, idempotencyKey string, in CreateOrderInput) (*Order, error) {
	in, total, err := s.normalize(in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("%w: tenant and idempotency key are required", ErrInvalidInput)
	}
	fingerprint, err := idempotency.Fingerprint(in)
	if err != nil {
		return nil, err
	}

	log := observability.FromContext(ctx, s.logger).With(
		zap.String("tenant_id", tenantID),
		zap.String("idempotency_key", idempotencyKey),
	)

	for attempt := 0; attempt < createAttempts; attempt++ {
		orderID := s.newID()
		claim, err := s.idem.Claim(ctx, idempotency.ClaimRequest{
			TenantID:    tenantID,
			Scope:       idempotency.ScopeOrderCreate,
			Key:         idempotencyKey,
			Fingerprint: fingerprint,
			ResourceID:  orderID,
		})
		if err != nil {
			if errors.Is(err, idempotency.ErrFingerprintMismatch) {
				return nil, ErrIdempotencyKeyReused
			}
			if errors.Is(err, idempotency.ErrInvalidKey) {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}

		switch claim.State {
		case idempotency.ClaimAcquired:
			return s.persistNew(ctx, log, tenantID, idempotencyKey, orderID, in, total)
		case idempotency.ClaimCompleted:
			log.Info("orders.create.replayed", zap.String("order_id", claim.Record.ResourceID))
			return s.replay(ctx, tenantID, claim.Record.ResourceID)
		}

		rec, err := s.idem.Await(ctx, tenantID, idempotency.ScopeOrderCreate, idempotencyKey)
		if err != nil {
			if errors.Is(err, idempotency.ErrAwaitTimeout) {
				return nil, &idempotency.DuplicateRequestError{
					Scope:    idempotency.ScopeOrderCreate,
					Key:      idempotencyKey,
					InFlight: true,
				}
			}
			return nil, err
		}
		if rec.Status == idempotency.StatusDone {
			log.Info("orders.create.replayed_after_wait", zap.String("order_id", rec.ResourceID))
			return s.replay(ctx, tenantID, rec.ResourceID)
		}
		// the owner failed or abandoned its lease; try to take the key over
	}
	return nil, &idempotency.DuplicateRequestError{
		Scope:    idempotency.ScopeOrderCreate,
		Key:      idempotencyKey,
		InFlight: true,
	}
}

func (s *Service) persistNew(ctx context.Context, log *zap.Logger, tenantID, key, orderID string, in CreateOrderInput, total int64) (*Order, error) {
	now := s.clock().UTC()
	order := Order{
		OrderID:         orderID,
		TenantID:        tenantID,
		Status:          StatusNew,
		Items:           in.Items,
		TotalCents:      total,
		Currency:        in.Currency,
		Notes:           in.Notes,
		IdempotencyKey:  key,
		ScheduledFireAt: in.ScheduledFireAt,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	initial := Transition{
		OrderID:      orderID,
		TransitionID: ulid.Make().String(),
		TenantID:     tenantID,
		To:           StatusNew,
		ActorType:    ActorSystem,
		Reason:       "created",
		OccurredAt:   now,
	}

	body, err := json.Marshal(map[string]string{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	complete, err := s.idem.CompleteItem(tenantID, idempotency.ScopeOrderCreate, key, orderID, string(body))
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, order, initial, complete); err != nil {
		if markErr := s.idem.MarkFailed(ctx, tenantID, idempotency.ScopeOrderCreate, key, "create_failed"); markErr != nil {
			log.Warn("orders.create.release_claim_failed", zap.Error(markErr))
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	log.Info("orders.created", zap.String("order_id", orderID), zap.Int("items", len(order.Items)))
	if order.scheduled() {
		order.ScheduleBucket = scheduleBucket
		order.FireAtEpoch = order.ScheduledFireAt.Unix()
	}
	return &order, nil
}

func (s *Service) replay(ctx context.Context, tenantID, orderID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("replay order %s: %w", orderID, ErrNotFound)
	}
	if order.TenantID != tenantID {
		// keys are tenant scoped, so this means the record is corrupt
		return nil, &TenantMismatchError{TenantID: tenantID, OrderID: orderID}
	}
	return order, nil
}

// GetOrder returns the order if it belongs to tenantID.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	return s.load(ctx, tenantID, orderID, ActorFromContext(ctx), "get_order")
}

// History returns the order's transition rows, oldest first.
func (s *Service) History(ctx context.Context, tenantID, orderID string) ([]Transition, error) {
	if _, err := s.load(ctx, tenantID, orderID, ActorFromContext(ctx), "order_history"); err != nil {
		return nil, err
	}
	return s.store.Transitions(ctx, orderID)
}

// UpdateStatus moves an order to target after validating the edge against the status read
// from the table in this call. The write is conditioned on that status, so of two racing
// writers exactly one commits; the other receives *StatusConflictError.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, orderID string, target Status, actor Actor) (*Order, error) {
	if !target.Valid() {
		return nil, &UnknownStatusError{Value: string(target)}
	}
	log := observability.FromContext(ctx, s.logger).With(
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("target", string(target)),
		zap.String("actor_type", string(actor.Type)),
	)

	current, err := s.load(ctx, tenantID, orderID, actor, "update_status")
	if err != nil {
		return nil, err
	}
	if IsNoop(current.Status, target) {
		log.Debug("orders.status.noop")
		return current, nil
	}
	if err := Validate(current.Status, target); err != nil {
		log.Info("orders.status.rejected", zap.String("current", string(current.Status)))
		return nil, err
	}

	tr := Transition{
		OrderID:      orderID,
		TransitionID: ulid.Make().String(),
		TenantID:     tenantID,
		From:         current.Status,
		To:           target,
		ActorType:    actor.Type,
		ActorID:      actor.ID,
		Reason:       actor.Reason,
		OccurredAt:   s.clock().UTC(),
	}
	updated, err := s.store.UpdateStatus(ctx, *current, target, tr)
	if errors.Is(err, ErrStatusMismatch) {
		fresh, getErr := s.store.Get(ctx, orderID)
		if getErr != nil {
			return nil, fmt.Errorf("reload after conflict: %w", getErr)
		}
		if fresh == nil {
			return nil, ErrNotFound
		}
		if fresh.Status == target {
			log.Info("orders.status.converged", zap.Int64("version", fresh.Version))
			return fresh, nil
		}
		log.Info("orders.status.conflict",
			zap.String("expected", string(current.Status)),
			zap.String("actual", string(fresh.Status)))
		return nil, &StatusConflictError{
			Expected:  current.Status,
			Actual:    fresh.Status,
			Target:    target,
			ValidNext: ValidNext(fresh.Status),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	log.Info("orders.status.updated",
		zap.String("from", string(tr.From)),
		zap.Int64("version", updated.Version))
	s.publish(ctx, log, updated, tr)
	return updated, nil
}

// FireScheduled promotes a due order to preparing. It walks the legal path one edge at a time
// through UpdateStatus, so each step is validated and conditioned like any other write.
func (s *Service) FireScheduled(ctx context.Context, due DueOrder) (*Order, error) {
	actor := Actor{Type: ActorScheduler, ID: "scheduler", Reason: "scheduled fire time reached"}
	order, err := s.load(ctx, due.TenantID, due.OrderID, actor, "fire_scheduled")
	if err != nil {
		return nil, err
	}
	if order.ScheduledFireAt == nil {
		return nil, ErrNotScheduled
	}
	if order.Status == StatusPreparing {
		return order, nil
	}
	if !schedulable(order.Status) {
		return nil, Validate(order.Status, StatusPreparing)
	}
	path, ok := PathTo(order.Status, StatusPreparing)
	if !ok {
		return nil, Validate(order.Status, StatusPreparing)
	}
	for _, step := range path {
		order, err = s.UpdateStatus(ctx, due.TenantID, due.OrderID, step, actor)
		if err != nil {
			return nil, err
		}
	}
	return order, nil
}

// load fetches an order and enforces the tenant boundary. A mismatch is refused and recorded
// as a security violation.
func (s *Service) load(ctx context.Context, tenantID, orderID string, actor Actor, operation string) (*Order, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: tenant and order id are required", ErrInvalidInput)
	}
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if order.TenantID != tenantID {
		log := observability.FromContext(ctx, s.logger)
		log.Warn("orders.tenant_violation",
			zap.String("tenant_id", tenantID),
			zap.String("order_id", orderID),
			zap.String("operation", operation))
		err := s.audit.RecordSecurityViolation(ctx, audit.Violation{
			TenantID:      tenantID,
			OwnerTenantID: order.TenantID,
			RequestID:     actor.RequestID,
			ActorType:     string(actor.Type),
			ActorID:       actor.ID,
			ResourceRef:   orderID,
			Operation:     operation,
		})
		if err != nil {
			log.Error("orders.tenant_violation.audit_failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return nil, &TenantMismatchError{TenantID: tenantID, OrderID: orderID}
	}
	return order, nil
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, order *Order, tr Transition) {
	if s.events == nil {
		return
	}
	evt := StatusEvent{
		OrderID:    order.OrderID,
		TenantID:   order.TenantID,
		From:       tr.From,
		To:         tr.To,
		Version:    order.Version,
		ActorType:  tr.ActorType,
		ActorID:    tr.ActorID,
		OccurredAt: tr.OccurredAt,
	}
	attrs := map[string]string{
		"event_type": "order.status_changed",
		"tenant_id":  order.TenantID,
		"status":     string(tr.To),
	}
	if err := s.events.Publish(ctx, evt, attrs); err != nil {
		// the status write is committed; consumers reconcile from the transitions table
		log.Warn("orders.event.publish_failed", zap.Error(err))
	}
}

func (s *Service) normalize(in CreateOrderInput) (CreateOrderInput, int64, error) {
	if len(in.Items) == 0 {
		return in, 0, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}
	var total int64
	items := make([]LineItem, len(in.Items))
	for i, item := range in.Items {
		item.MenuItemID = strings.TrimSpace(item.MenuItemID)
		if item.MenuItemID == "" {
			return in, 0, fmt.Errorf("%w: items[%d].menu_item_id is required", ErrInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return in, 0, fmt.Errorf("%w: items[%d].quantity must be positive", ErrInvalidInput, i)
		}
		if item.UnitPriceCents < 0 {
			return in, 0, fmt.Errorf("%w: items[%d].unit_price_cents must not be negative", ErrInvalidInput, i)
		}
		total += int64(item.Quantity) * item.UnitPriceCents
		items[i] = item
	}
	in.Items = items
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = s.currency
	}
	if in.ScheduledFireAt != nil {
		t := in.ScheduledFireAt.UTC().Truncate(time.Second)
		in.ScheduledFireAt = &t
	}
	return in, total, nil
}

type actorKey struct{}

// WithActor attaches the caller's identity to ctx for read paths that record violations.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor, or an unknown actor.
func ActorFromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{Type: ActorSystem}
}
