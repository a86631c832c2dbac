package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type stubIntents struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

type stubRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (s *stubRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return s.refund, s.err
}

func newStripeForTest(t *testing.T, intents *stubIntents, refunds *stubRefunds) *StripeProcessor {
	t.Helper()
	p, err := NewStripeProcessor(StripeConfig{
		AccountID: "acct_123",
		clients:   &stripeClients{intents: intents, refunds: refunds},
	})
	require.NoError(t, err)
	return p
}

func TestNewStripeProcessor_RequiresKey(t *testing.T) {
	_, err := NewStripeProcessor(StripeConfig{})
	require.Error(t, err)
}

func TestStripeCharge_ConfirmsIntentWithIdempotencyKey(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}}
	p := newStripeForTest(t, intents, &stubRefunds{})

	res, err := p.Charge(context.Background(), ChargeRequest{
		TenantID:        "tenant-a",
		OrderID:         "order-1",
		IdempotencyKey:  "tenant-a#payment-capture#k",
		AmountCents:     2900,
		Currency:        "USD",
		PaymentMethodID: "pm_card_visa",
	})
	require.NoError(t, err)
	require.Equal(t, ProcessorResult{Reference: "pi_1", Status: ProcessorSucceeded}, res)

	params := intents.params
	require.Equal(t, int64(2900), *params.Amount)
	require.Equal(t, "usd", *params.Currency)
	require.True(t, *params.Confirm)
	require.Equal(t, "pm_card_visa", *params.PaymentMethod)
	require.Equal(t, "tenant-a#payment-capture#k", *params.IdempotencyKey)
	require.Equal(t, "acct_123", *params.StripeAccount)
	require.Equal(t, "order-1", params.Metadata["order_id"])
	require.NotNil(t, params.Context)
}

func TestStripeCharge_CardErrorIsDecline(t *testing.T) {
	intents := &stubIntents{err: &stripe.Error{
		Type:        stripe.ErrorTypeCard,
		Code:        stripe.ErrorCodeCardDeclined,
		DeclineCode: stripe.DeclineCodeInsufficientFunds,
		Msg:         "Your card has insufficient funds.",
	}}
	p := newStripeForTest(t, intents, &stubRefunds{})

	res, err := p.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	require.Equal(t, ProcessorDeclined, res.Status)
	require.Equal(t, "insufficient_funds", res.DeclineCode)
}

func TestStripeCharge_APIErrorIsReturned(t *testing.T) {
	intents := &stubIntents{err: &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"}}
	p := newStripeForTest(t, intents, &stubRefunds{})

	_, err := p.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.Error(t, err)
	var se *stripe.Error
	require.True(t, errors.As(err, &se))
}

func TestStripeCharge_UnconfirmedIntentIsDecline(t *testing.T) {
	intents := &stubIntents{intent: &stripe.PaymentIntent{ID: "pi_2", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}}
	p := newStripeForTest(t, intents, &stubRefunds{})

	res, err := p.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	require.Equal(t, ProcessorDeclined, res.Status)
	require.Equal(t, "pi_2", res.Reference)
}

func TestStripeRefund(t *testing.T) {
	refunds := &stubRefunds{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}}
	p := newStripeForTest(t, &stubIntents{}, refunds)

	res, err := p.Refund(context.Background(), RefundRequest{
		OrderID:        "order-1",
		IdempotencyKey: "tenant-a#payment-refund#r",
		PaymentRef:     "pi_1",
		Reason:         "Requested_By_Customer",
	})
	require.NoError(t, err)
	require.Equal(t, ProcessorSucceeded, res.Status)
	require.Equal(t, "pi_1", *refunds.params.PaymentIntent)
	require.Nil(t, refunds.params.Amount)
	require.Equal(t, "requested_by_customer", *refunds.params.Reason)

	refunds.refund = &stripe.Refund{ID: "re_2", Status: stripe.RefundStatusFailed, FailureReason: stripe.RefundFailureReason("expired_or_canceled_card")}
	res, err = p.Refund(context.Background(), RefundRequest{PaymentRef: "pi_1", AmountCents: 500})
	require.NoError(t, err)
	require.Equal(t, ProcessorDeclined, res.Status)
	require.Equal(t, int64(500), *refunds.params.Amount)
}
