package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws/dynamotest"
)

const testTable = "idempotency-table"

func newTestStore(t *testing.T, opts ...Option) (*Store, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New().CreateTable(testTable, dynamotest.Schema{HashKey: "idempotency_key"})
	return NewStore(fake, testTable, 48*time.Hour, opts...), fake
}

func TestClaim_Lifecycle(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()
	req := ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k-1", Fingerprint: "fp", ResourceID: "order-123"}

	claim, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, claim.State)

	// second claim observes the in-flight owner
	claim2, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimInFlight, claim2.State)
	require.Equal(t, "order-123", claim2.Record.ResourceID)

	require.NoError(t, s.MarkDone(ctx, "t-1", ScopeOrderCreate, "k-1", "order-123", `{"ok":true}`))

	claim3, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimCompleted, claim3.State)
	require.Equal(t, `{"ok":true}`, claim3.Record.ResponseBody)

	// a completed record cannot be completed or failed again
	require.ErrorIs(t, s.MarkDone(ctx, "t-1", ScopeOrderCreate, "k-1", "order-123", "{}"), ErrConditionFailed)
	require.ErrorIs(t, s.MarkFailed(ctx, "t-1", ScopeOrderCreate, "k-1", "late"), ErrConditionFailed)
	require.Equal(t, 1, fake.Count(testTable))
}

func TestClaim_KeysAreTenantScoped(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	a, err := s.Claim(ctx, ClaimRequest{TenantID: "t-a", Scope: ScopeOrderCreate, Key: "same"})
	require.NoError(t, err)
	b, err := s.Claim(ctx, ClaimRequest{TenantID: "t-b", Scope: ScopeOrderCreate, Key: "same"})
	require.NoError(t, err)
	c, err := s.Claim(ctx, ClaimRequest{TenantID: "t-a", Scope: ScopePaymentCapture, Key: "same"})
	require.NoError(t, err)

	require.Equal(t, ClaimAcquired, a.State)
	require.Equal(t, ClaimAcquired, b.State)
	require.Equal(t, ClaimAcquired, c.State)
	require.Equal(t, 3, fake.Count(testTable))
}

func TestClaim_FingerprintMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k", Fingerprint: "one"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k", Fingerprint: "two"})
	require.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestClaim_RetakeAfterFailure(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	req := ClaimRequest{TenantID: "t-1", Scope: ScopePaymentCapture, Key: "k", Fingerprint: "fp"}

	_, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "t-1", ScopePaymentCapture, "k", "processor_declined"))

	rec, err := s.Get(ctx, "t-1", ScopePaymentCapture, "k")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "processor_declined", rec.Note)

	claim, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, claim.State)
}

func TestClaim_RetakeAfterLeaseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := newTestStore(t, WithClock(clock), WithLease(time.Minute))
	ctx := context.Background()
	req := ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k"}

	_, err := s.Claim(ctx, req)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	claim, err := s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimInFlight, claim.State)

	now = now.Add(2 * time.Minute)
	claim, err = s.Claim(ctx, req)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, claim.State)
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopePaymentCapture, Key: "race", Fingerprint: "fp"})
			if err == nil && claim.State == ClaimAcquired {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, acquired.Load())
}

func TestAwait_ReturnsWhenOwnerFinishes(t *testing.T) {
	s, _ := newTestStore(t, WithWait(2*time.Second, 5*time.Millisecond))
	ctx := context.Background()

	_, err := s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k"})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = s.MarkDone(ctx, "t-1", ScopeOrderCreate, "k", "order-1", "")
	}()

	rec, err := s.Await(ctx, "t-1", ScopeOrderCreate, "k")
	require.NoError(t, err)
	require.Equal(t, StatusDone, rec.Status)
	require.Equal(t, "order-1", rec.ResourceID)
}

func TestAwait_Timeout(t *testing.T) {
	s, _ := newTestStore(t, WithWait(30*time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()

	_, err := s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k"})
	require.NoError(t, err)

	_, err = s.Await(ctx, "t-1", ScopeOrderCreate, "k")
	require.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestCompleteItem_InTransaction(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, ClaimRequest{TenantID: "t-1", Scope: ScopeOrderCreate, Key: "k"})
	require.NoError(t, err)

	item, err := s.CompleteItem("t-1", ScopeOrderCreate, "k", "order-9", `{"order_id":"order-9"}`)
	require.NoError(t, err)
	_, err = fake.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{item}})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "t-1", ScopeOrderCreate, "k")
	require.NoError(t, err)
	require.Equal(t, StatusDone, rec.Status)
	require.Equal(t, "order-9", rec.ResourceID)

	// completing twice cancels the transaction
	_, err = fake.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: []types.TransactWriteItem{item}})
	var tce *types.TransactionCanceledException
	require.True(t, errors.As(err, &tce))
}

func TestRecordKey_Invalid(t *testing.T) {
	_, err := RecordKey("", ScopeOrderCreate, "k")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = RecordKey("t#1", ScopeOrderCreate, "k")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = RecordKey("t-1", ScopeOrderCreate, " ")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestFingerprint_Stable(t *testing.T) {
	a, err := Fingerprint(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Fingerprint(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Fingerprint(map[string]any{"a": 1, "b": 3})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	rec := IdempotencyRecord{
		IdempotencyKey: "t-1#order-create#k1",
		Status:         StatusInProgress,
		ResourceID:     "o1",
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)
	var out IdempotencyRecord
	require.NoError(t, attributevalue.UnmarshalMap(m, &out))
	require.Equal(t, rec.IdempotencyKey, out.IdempotencyKey)
	require.Equal(t, rec.ExpiresAt, out.ExpiresAt)
}
