package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/audit"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
	"github.com/imrishuroy/restaurant-orderflow/internal/metrics"
	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

const (
	defaultTimeout = 10 * time.Second
	claimAttempts  = 2
)

type orderService interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (*orders.Order, error)
	UpdateStatus(ctx context.Context, tenantID, orderID string, target orders.Status, actor orders.Actor) (*orders.Order, error)
}

type idempotencyGuard interface {
	Claim(ctx context.Context, req idempotency.ClaimRequest) (idempotency.Claim, error)
	Await(ctx context.Context, tenantID, scope, key string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, tenantID, scope, key, resourceID, responseBody string) error
	MarkFailed(ctx context.Context, tenantID, scope, key, note string) error
}

type auditLedger interface {
	Begin(ctx context.Context, intent audit.Intent) (*audit.Entry, error)
	Complete(ctx context.Context, entry *audit.Entry, outcome audit.Outcome) (*audit.Entry, error)
}

// OrchestratorDeps wires the collaborators of Orchestrator.
type OrchestratorDeps struct {
	Orders      orderService
	Idempotency idempotencyGuard
	Ledger      auditLedger
	Processor   Processor
	Metrics     metrics.Recorder
	Logger      *zap.Logger
	Timeout     time.Duration
	Currency    string
}

// Orchestrator runs payment operations with two-phase audit logging.
type Orchestrator struct {
	orders    orderService
	idem      idempotencyGuard
	ledger    auditLedger
	processor Processor
	metrics   metrics.Recorder
	logger    *zap.Logger
	timeout   time.Duration
	currency  string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("payments: orders service is required")
	case deps.Idempotency == nil:
		return nil, errors.New("payments: idempotency store is required")
	case deps.Ledger == nil:
		return nil, errors.New("payments: audit ledger is required")
	case deps.Processor == nil:
		return nil, errors.New("payments: processor is required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Orchestrator{
		orders:    deps.Orders,
		idem:      deps.Idempotency,
		ledger:    deps.Ledger,
		processor: deps.Processor,
		metrics:   metrics.OrNop(deps.Metrics),
		logger:    observability.OrNop(deps.Logger).Named("payments"),
		timeout:   timeout,
		currency:  strings.ToLower(strings.TrimSpace(deps.Currency)),
	}, nil
}

// Result is the outcome of a capture or refund. It is also the cached replay value.
type Result struct {
	TenantID       string        `json:"tenant_id"`
	OrderID        string        `json:"order_id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Action         string        `json:"action"`
	Status         audit.Status  `json:"status"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	ProcessorRef   string        `json:"processor_ref,omitempty"`
	DeclineCode    string        `json:"decline_code,omitempty"`
	AuditEntryID   string        `json:"audit_entry_id"`
	OrderStatus    orders.Status `json:"order_status,omitempty"`
	Replayed       bool          `json:"replayed"`
}

// Option customises a single payment call.
type Option func(*callOptions)

type callOptions struct {
	actor           orders.Actor
	paymentMethodID string
}

// WithActor records who requested the payment.
func WithActor(actor orders.Actor) Option {
	return func(o *callOptions) { o.actor = actor }
}

// WithPaymentMethod sets the processor payment method to charge.
func WithPaymentMethod(id string) Option {
	return func(o *callOptions) { o.paymentMethodID = strings.TrimSpace(id) }
}

// operation is one audited processor call.
type operation struct {
	tenantID    string
	order       *orders.Order
	key         string
	scope       string
	action      audit.ActionType
	amountCents int64
	currency    string
	fingerprint any
	metadata    map[string]string
	actor       orders.Actor
	call        func(ctx context.Context, idempotencyKey string) (ProcessorResult, error)
}

// CapturePayment charges amountCents for the order. The initiated audit entry is persisted
// before the processor is contacted; if that write fails no money moves and
// ErrAuditWriteFailed is returned. A repeated key returns the first attempt's result.
func (o *Orchestrator) CapturePayment(ctx context.Context, tenantID, orderID, idempotencyKey string, amountCents int64, opts ...Option) (*Result, error) {
	co := applyOptions(opts)
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	order, err := o.orders.GetOrder(orders.WithActor(ctx, co.actor), tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if orders.IsTerminal(order.Status) {
		return nil, ErrOrderNotPayable
	}
	currency := o.currencyFor(order)

	op := operation{
		tenantID:    tenantID,
		order:       order,
		key:         idempotencyKey,
		scope:       idempotency.ScopePaymentCapture,
		action:      audit.ActionPaymentCapture,
		amountCents: amountCents,
		currency:    currency,
		fingerprint: map[string]any{"order_id": orderID, "amount_cents": amountCents, "currency": currency, "payment_method": co.paymentMethodID},
		actor:       co.actor,
		call: func(ctx context.Context, key string) (ProcessorResult, error) {
			return o.processor.Charge(ctx, ChargeRequest{
				TenantID:        tenantID,
				OrderID:         orderID,
				IdempotencyKey:  key,
				AmountCents:     amountCents,
				Currency:        currency,
				PaymentMethodID: co.paymentMethodID,
			})
		},
	}
	res, err := o.run(ctx, op)
	if err != nil || res.Replayed || res.Status != audit.StatusSuccess {
		return res, err
	}
	res.OrderStatus = o.reconcile(ctx, tenantID, orderID)
	return res, nil
}

// RefundPayment refunds a previous capture identified by paymentRef. A zero amount refunds in
// full.
func (o *Orchestrator) RefundPayment(ctx context.Context, tenantID, orderID, idempotencyKey, paymentRef string, amountCents int64, reason string, opts ...Option) (*Result, error) {
	co := applyOptions(opts)
	if amountCents < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	}
	if strings.TrimSpace(paymentRef) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidRequest)
	}
	order, err := o.orders.GetOrder(orders.WithActor(ctx, co.actor), tenantID, orderID)
	if err != nil {
		return nil, err
	}
	currency := o.currencyFor(order)

	return o.run(ctx, operation{
		tenantID:    tenantID,
		order:       order,
		key:         idempotencyKey,
		scope:       idempotency.ScopePaymentRefund,
		action:      audit.ActionPaymentRefund,
		amountCents: amountCents,
		currency:    currency,
		fingerprint: map[string]any{"order_id": orderID, "amount_cents": amountCents, "payment_ref": paymentRef},
		metadata:    map[string]string{"payment_ref": paymentRef, "reason": reason},
		actor:       co.actor,
		call: func(ctx context.Context, key string) (ProcessorResult, error) {
			return o.processor.Refund(ctx, RefundRequest{
				TenantID:       tenantID,
				OrderID:        orderID,
				IdempotencyKey: key,
				PaymentRef:     paymentRef,
				AmountCents:    amountCents,
				Reason:         reason,
			})
		},
	})
}

func (o *Orchestrator) run(ctx context.Context, op operation) (*Result, error) {
	if strings.TrimSpace(op.key) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	fingerprint, err := idempotency.Fingerprint(op.fingerprint)
	if err != nil {
		return nil, err
	}
	recordKey, err := idempotency.RecordKey(op.tenantID, op.scope, op.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	log := observability.FromContext(ctx, o.logger).With(
		zap.String("tenant_id", op.tenantID),
		zap.String("order_id", op.order.OrderID),
		zap.String("action", string(op.action)),
		zap.String("idempotency_key", recordKey),
	)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		claim, err := o.idem.Claim(ctx, idempotency.ClaimRequest{
			TenantID:    op.tenantID,
			Scope:       op.scope,
			Key:         op.key,
			Fingerprint: fingerprint,
			ResourceID:  op.order.OrderID,
		})
		if err != nil {
			if errors.Is(err, idempotency.ErrFingerprintMismatch) {
				return nil, orders.ErrIdempotencyKeyReused
			}
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		switch claim.State {
		case idempotency.ClaimAcquired:
			return o.execute(ctx, log, op, recordKey)
		case idempotency.ClaimCompleted:
			return replay(claim.Record)
		}

		rec, err := o.idem.Await(ctx, op.tenantID, op.scope, op.key)
		if err != nil {
			if errors.Is(err, idempotency.ErrAwaitTimeout) {
				return nil, &idempotency.DuplicateRequestError{Scope: op.scope, Key: op.key, InFlight: true}
			}
			return nil, err
		}
		if rec.Status == idempotency.StatusDone {
			return replay(*rec)
		}
	}
	return nil, &idempotency.DuplicateRequestError{Scope: op.scope, Key: op.key, InFlight: true}
}

func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, op operation, recordKey string) (*Result, error) {
	entry, err := o.ledger.Begin(ctx, audit.Intent{
		TenantID:       op.tenantID,
		IdempotencyKey: recordKey,
		ActionType:     op.action,
		ActorType:      string(op.actor.Type),
		ActorID:        op.actor.ID,
		ResourceRef:    op.order.OrderID,
		AmountCents:    op.amountCents,
		Currency:       op.currency,
		Metadata:       op.metadata,
	})
	if err != nil {
		log.Error("payments.blocked.audit_unavailable", zap.Error(err))
		o.release(ctx, log, op, "audit_write_failed")
		o.metrics.Add(ctx, metrics.PaymentOutcomes, 1, map[string]string{"action": string(op.action), "outcome": "blocked"})
		if !errors.Is(err, ErrAuditWriteFailed) {
			err = fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
		}
		return nil, err
	}

	res := &Result{
		TenantID:       op.tenantID,
		OrderID:        op.order.OrderID,
		IdempotencyKey: op.key,
		Action:         string(op.action),
		AmountCents:    op.amountCents,
		Currency:       op.currency,
		AuditEntryID:   entry.EntryID,
	}

	pr, callErr := o.callWithTimeout(ctx, op, recordKey)
	outcome := audit.Outcome{ProcessorRef: pr.Reference}
	switch {
	case errors.Is(callErr, ErrUpstreamTimeout):
		outcome.Status = audit.StatusTimeout
		outcome.ErrorDetail = "processor did not answer within " + o.timeout.String()
	case callErr != nil:
		outcome.Status = audit.StatusFailed
		outcome.ErrorDetail = callErr.Error()
	case pr.Status == ProcessorSucceeded:
		outcome.Status = audit.StatusSuccess
	default:
		outcome.Status = audit.StatusFailed
		outcome.ErrorDetail = "declined: " + pr.DeclineCode
	}
	res.Status = outcome.Status
	res.ProcessorRef = pr.Reference
	res.DeclineCode = pr.DeclineCode

	// the completion is persisted or diverted to the fallback log; the money has already
	// moved, so a failure here is reported but does not change the result
	if _, err := o.ledger.Complete(context.WithoutCancel(ctx), entry, outcome); err != nil {
		log.Error("payments.audit.complete_failed", zap.String("entry_id", entry.EntryID), zap.Error(err))
	}
	o.metrics.Add(ctx, metrics.PaymentOutcomes, 1, map[string]string{"action": string(op.action), "outcome": string(outcome.Status)})

	switch outcome.Status {
	case audit.StatusTimeout:
		log.Warn("payments.processor.timeout", zap.String("entry_id", entry.EntryID))
		o.release(ctx, log, op, "processor_timeout")
		return res, ErrUpstreamTimeout
	case audit.StatusFailed:
		if callErr != nil {
			log.Error("payments.processor.error", zap.String("entry_id", entry.EntryID), zap.Error(callErr))
			o.release(ctx, log, op, "processor_error")
			return res, fmt.Errorf("payment processor: %w", callErr)
		}
		log.Info("payments.declined", zap.String("entry_id", entry.EntryID), zap.String("code", pr.DeclineCode))
		o.finish(ctx, log, op, res)
		return res, &DeclinedError{Code: pr.DeclineCode, Message: pr.Message}
	}

	log.Info("payments.succeeded", zap.String("entry_id", entry.EntryID), zap.String("processor_ref", pr.Reference))
	o.finish(ctx, log, op, res)
	return res, nil
}

// callWithTimeout runs the processor call in its own goroutine so a hung call cannot outlive
// the timeout.
func (o *Orchestrator) callWithTimeout(ctx context.Context, op operation, key string) (ProcessorResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type answer struct {
		res ProcessorResult
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := op.call(callCtx, key)
		done <- answer{res: res, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil && (errors.Is(a.err, context.DeadlineExceeded) || callCtx.Err() != nil) {
			return a.res, ErrUpstreamTimeout
		}
		return a.res, a.err
	case <-callCtx.Done():
		return ProcessorResult{}, ErrUpstreamTimeout
	}
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, op operation, res *Result) {
	body, err := json.Marshal(res)
	if err != nil {
		log.Error("payments.idempotency.marshal_failed", zap.Error(err))
		return
	}
	if err := o.idem.MarkDone(context.WithoutCancel(ctx), op.tenantID, op.scope, op.key, op.order.OrderID, string(body)); err != nil {
		log.Error("payments.idempotency.mark_done_failed", zap.Error(err))
	}
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, op operation, note string) {
	if err := o.idem.MarkFailed(context.WithoutCancel(ctx), op.tenantID, op.scope, op.key, note); err != nil {
		log.Warn("payments.idempotency.release_failed", zap.String("note", note), zap.Error(err))
	}
}

// reconcile confirms an order once its payment succeeded. Failures are logged; the payment
// stands regardless.
func (o *Orchestrator) reconcile(ctx context.Context, tenantID, orderID string) orders.Status {
	log := observability.FromContext(ctx, o.logger).With(zap.String("order_id", orderID))
	actor := orders.Actor{Type: orders.ActorPayment, ID: "payments", Reason: "payment captured"}

	order, err := o.orders.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		log.Warn("payments.reconcile.load_failed", zap.Error(err))
		return ""
	}
	path, ok := orders.PathTo(order.Status, orders.StatusConfirmed)
	if !ok {
		// already past confirmation
		return order.Status
	}
	for _, step := range path {
		updated, err := o.orders.UpdateStatus(ctx, tenantID, orderID, step, actor)
		if err != nil {
			log.Warn("payments.reconcile.transition_rejected", zap.String("target", string(step)), zap.Error(err))
			return order.Status
		}
		order = updated
	}
	return order.Status
}

func (o *Orchestrator) currencyFor(order *orders.Order) string {
	if order.Currency != "" {
		return order.Currency
	}
	if o.currency != "" {
		return o.currency
	}
	return "usd"
}

func replay(rec idempotency.IdempotencyRecord) (*Result, error) {
	var res Result
	if err := json.Unmarshal([]byte(rec.ResponseBody), &res); err != nil {
		return nil, fmt.Errorf("decode cached payment result: %w", err)
	}
	res.Replayed = true
	if res.Status == audit.StatusFailed {
		return &res, &DeclinedError{Code: res.DeclineCode}
	}
	return &res, nil
}

func applyOptions(opts []Option) callOptions {
	co := callOptions{actor: orders.Actor{Type: orders.ActorSystem}}
	for _, opt := range opts {
		if opt != nil {
			opt(&co)
		}
	}
	return co
}
