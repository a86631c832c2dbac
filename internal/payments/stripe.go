package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"github.com/imrishuroy/restaurant-orderflow/internal/observability"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeConfig configures StripeProcessor.
type StripeConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    *zap.Logger
	clients   *stripeClients
}

// StripeProcessor implements Processor with confirmed PaymentIntents.
type StripeProcessor struct {
	api     stripeClients
	account string
	logger  *zap.Logger
}

// NewStripeProcessor constructs a Stripe-backed Processor.
func NewStripeProcessor(cfg StripeConfig) (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}
	return &StripeProcessor{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  observability.OrNop(cfg.Logger).Named("stripe"),
	}, nil
}

// Charge creates and confirms a PaymentIntent in one call.
func (p *StripeProcessor) Charge(ctx context.Context, req ChargeRequest) (ProcessorResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodID)
	}
	params.Metadata = copyMetadata(req.Metadata)
	params.Metadata["tenant_id"] = req.TenantID
	params.Metadata["order_id"] = req.OrderID

	intent, err := p.api.intents.New(params)
	if err != nil {
		if res, ok := stripeDecline(err); ok {
			p.logger.Info("payments.stripe.intent.declined", zap.String("order_id", req.OrderID), zap.String("code", res.DeclineCode))
			return res, nil
		}
		return ProcessorResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	p.logger.Info("payments.stripe.intent.created",
		zap.String("payment_intent", intent.ID),
		zap.String("status", string(intent.Status)))
	return intentResult(intent), nil
}

// Refund refunds a PaymentIntent, fully when AmountCents is zero.
func (p *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (ProcessorResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentRef),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Metadata = copyMetadata(req.Metadata)
	params.Metadata["tenant_id"] = req.TenantID
	params.Metadata["order_id"] = req.OrderID

	refund, err := p.api.refunds.New(params)
	if err != nil {
		if res, ok := stripeDecline(err); ok {
			return res, nil
		}
		return ProcessorResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger.Info("payments.stripe.refund.created", zap.String("refund", refund.ID), zap.String("status", string(refund.Status)))
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return ProcessorResult{Reference: refund.ID, Status: ProcessorDeclined, DeclineCode: string(refund.FailureReason)}, nil
	}
	return ProcessorResult{Reference: refund.ID, Status: ProcessorSucceeded}, nil
}

func intentResult(intent *stripe.PaymentIntent) ProcessorResult {
	res := ProcessorResult{Reference: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		res.Status = ProcessorSucceeded
	default:
		res.Status = ProcessorDeclined
		res.DeclineCode = string(intent.Status)
		if intent.LastPaymentError != nil {
			res.DeclineCode = string(intent.LastPaymentError.Code)
			res.Message = intent.LastPaymentError.Msg
		}
	}
	return res
}

// stripeDecline converts card errors into decline results.
func stripeDecline(err error) (ProcessorResult, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) || se.Type != stripe.ErrorTypeCard {
		return ProcessorResult{}, false
	}
	code := string(se.DeclineCode)
	if code == "" {
		code = string(se.Code)
	}
	ref := ""
	if se.PaymentIntent != nil {
		ref = se.PaymentIntent.ID
	}
	return ProcessorResult{Reference: ref, Status: ProcessorDeclined, DeclineCode: code, Message: se.Msg}, true
}

func refundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
