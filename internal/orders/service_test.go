package orders

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/restaurant-orderflow/internal/audit"
	"github.com/imrishuroy/restaurant-orderflow/internal/aws/dynamotest"
	"github.com/imrishuroy/restaurant-orderflow/internal/idempotency"
)

const (
	ordersTable      = "orders"
	transitionsTable = "order-transitions"
	idempotencyTable = "idempotency"
	auditTable       = "audit"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []StatusEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, payload any, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, payload.(StatusEvent))
	return nil
}

type fixture struct {
	svc    *Service
	store  *Store
	fake   *dynamotest.Fake
	idem   *idempotency.Store
	events *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := dynamotest.New().
		CreateTable(ordersTable, dynamotest.Schema{
			HashKey: "order_id",
			Indexes: map[string]dynamotest.Index{ScheduleIndex: {HashKey: "schedule_bucket", RangeKey: "fire_at_epoch"}},
		}).
		CreateTable(transitionsTable, dynamotest.Schema{HashKey: "order_id", RangeKey: "transition_id"}).
		CreateTable(idempotencyTable, dynamotest.Schema{HashKey: "idempotency_key"}).
		CreateTable(auditTable, dynamotest.Schema{
			HashKey: "entry_id",
			Indexes: map[string]dynamotest.Index{audit.IdempotencyIndex: {HashKey: "idempotency_key"}},
		})

	fallback, err := audit.OpenFallbackLog(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	ledger, err := audit.NewLedger(audit.LedgerDeps{Store: audit.NewStore(fake, auditTable), Fallback: fallback})
	require.NoError(t, err)

	store := NewStore(fake, ordersTable, transitionsTable)
	idem := idempotency.NewStore(fake, idempotencyTable, time.Hour, idempotency.WithWait(2*time.Second, 5*time.Millisecond))
	events := &recordingPublisher{}
	svc, err := NewService(ServiceDeps{
		Store:       store,
		Idempotency: idem,
		Audit:       ledger,
		Events:      events,
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: store, fake: fake, idem: idem, events: events}
}

func sampleInput() CreateOrderInput {
	return CreateOrderInput{
		Items: []LineItem{
			{MenuItemID: "burger", Name: "Burger", Quantity: 2, UnitPriceCents: 1099, Modifications: []string{"no onions"}},
			{MenuItemID: "fries", Quantity: 1, UnitPriceCents: 399},
		},
	}
}

// seedOrder stores an order directly in the given status.
func seedOrder(t *testing.T, fx fixture, tenantID string, status Status) Order {
	t.Helper()
	now := time.Now().UTC()
	o := Order{
		OrderID:    "order-" + uuid.NewString(),
		TenantID:   tenantID,
		Status:     status,
		Items:      sampleInput().Items,
		TotalCents: 2597,
		Currency:   "usd",
		Version:    3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	item, err := attributevalue.MarshalMap(o)
	require.NoError(t, err)
	require.NoError(t, fx.fake.Seed(ordersTable, item))
	return o
}

func mustGet(t *testing.T, fx fixture, orderID string) *Order {
	t.Helper()
	o, err := fx.store.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func countAuditByAction(t *testing.T, fx fixture, action audit.ActionType) int {
	t.Helper()
	n := 0
	for _, item := range fx.fake.Items(auditTable) {
		var e audit.Entry
		require.NoError(t, attributevalue.UnmarshalMap(item, &e))
		if e.ActionType == action {
			n++
		}
	}
	return n
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.NoError(t, err)
	require.Equal(t, StatusNew, first.Status)
	require.Equal(t, int64(2*1099+399), first.TotalCents)
	require.Equal(t, "usd", first.Currency)

	second, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.NoError(t, err)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.Items, second.Items)

	require.Equal(t, 1, fx.fake.Count(ordersTable))
	require.Equal(t, 1, fx.fake.Count(transitionsTable))

	rec, err := fx.idem.Get(ctx, "tenant-a", idempotency.ScopeOrderCreate, "key-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusDone, rec.Status)
	require.Equal(t, first.OrderID, rec.ResourceID)
}

func TestCreateOrder_KeyReusedWithDifferentPayload(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.NoError(t, err)

	other := sampleInput()
	other.Items[0].Quantity = 5
	_, err = fx.svc.CreateOrder(ctx, "tenant-a", "key-1", other)
	require.ErrorIs(t, err, ErrIdempotencyKeyReused)
	require.Equal(t, 1, fx.fake.Count(ordersTable))
}

func TestCreateOrder_KeysAreScopedPerTenant(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a, err := fx.svc.CreateOrder(ctx, "tenant-a", "shared", sampleInput())
	require.NoError(t, err)
	b, err := fx.svc.CreateOrder(ctx, "tenant-b", "shared", sampleInput())
	require.NoError(t, err)
	require.NotEqual(t, a.OrderID, b.OrderID)
	require.Equal(t, 2, fx.fake.Count(ordersTable))
}

func TestCreateOrder_ConcurrentDuplicatesCreateOneOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	const n = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := fx.svc.CreateOrder(ctx, "tenant-a", "double-click", sampleInput())
			if err != nil {
				var dup *idempotency.DuplicateRequestError
				if !errors.As(err, &dup) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			ids[o.OrderID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	require.Equal(t, 1, fx.fake.Count(ordersTable))
}

func TestCreateOrder_FailedWriteReleasesKey(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.fake.FailTable(ordersTable, errors.New("throughput exceeded"))
	_, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.Error(t, err)

	rec, err := fx.idem.Get(ctx, "tenant-a", idempotency.ScopeOrderCreate, "key-1")
	require.NoError(t, err)
	require.Equal(t, idempotency.StatusFailed, rec.Status)

	fx.fake.FailTable(ordersTable, nil)
	o, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.NoError(t, err)
	require.Equal(t, StatusNew, o.Status)
	require.Equal(t, 1, fx.fake.Count(ordersTable))
}

func TestCreateOrder_InvalidInput(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.CreateOrder(ctx, "tenant-a", "k", CreateOrderInput{})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.svc.CreateOrder(ctx, "tenant-a", "k", CreateOrderInput{Items: []LineItem{{MenuItemID: "x", Quantity: 0}}})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = fx.svc.CreateOrder(ctx, "tenant-a", "", sampleInput())
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Zero(t, fx.fake.Count(ordersTable))
}

func TestUpdateStatus_HappyPathRecordsHistory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	o, err := fx.svc.CreateOrder(ctx, "tenant-a", "key-1", sampleInput())
	require.NoError(t, err)

	actor := Actor{Type: ActorStaff, ID: "staff-1"}
	for _, next := range []Status{StatusPending, StatusConfirmed, StatusPreparing} {
		o, err = fx.svc.UpdateStatus(ctx, "tenant-a", o.OrderID, next, actor)
		require.NoError(t, err)
		require.Equal(t, next, o.Status)
	}
	require.Equal(t, int64(4), o.Version)

	stored := mustGet(t, fx, o.OrderID)
	require.Equal(t, StatusPreparing, stored.Status)
	require.Equal(t, int64(4), stored.Version)

	history, err := fx.svc.History(ctx, "tenant-a", o.OrderID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, StatusNew, history[0].To)
	require.Equal(t, StatusConfirmed, history[3].From)
	require.Equal(t, StatusPreparing, history[3].To)
	require.Equal(t, "staff-1", history[3].ActorID)

	require.Len(t, fx.events.events, 3)
	require.Equal(t, StatusPreparing, fx.events.events[2].To)
}

func TestUpdateStatus_InvalidPairsNeverMutate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, current := range AllStatuses() {
		for _, target := range AllStatuses() {
			if CanTransition(current, target) || IsNoop(current, target) {
				continue
			}
			o := seedOrder(t, fx, "tenant-a", current)
			_, err := fx.svc.UpdateStatus(ctx, "tenant-a", o.OrderID, target, Actor{Type: ActorStaff})
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite, "%s -> %s", current, target)

			stored := mustGet(t, fx, o.OrderID)
			require.Equal(t, current, stored.Status)
			require.Equal(t, o.Version, stored.Version)
		}
	}
	require.Zero(t, fx.fake.Count(transitionsTable))
}

func TestUpdateStatus_TerminalOrdersRejectEverything(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, terminal := range []Status{StatusCompleted, StatusCancelled} {
		o := seedOrder(t, fx, "tenant-a", terminal)
		for _, target := range AllStatuses() {
			_, err := fx.svc.UpdateStatus(ctx, "tenant-a", o.OrderID, target, Actor{Type: ActorStaff})
			require.Error(t, err, "%s -> %s", terminal, target)
			require.True(t, IsRejection(err))
		}
		require.Equal(t, terminal, mustGet(t, fx, o.OrderID).Status)
	}
}

func TestUpdateStatus_SameStatusIsNoop(t *testing.T) {
	fx := newFixture(t)
	o := seedOrder(t, fx, "tenant-a", StatusReady)

	got, err := fx.svc.UpdateStatus(context.Background(), "tenant-a", o.OrderID, StatusReady, Actor{Type: ActorPayment})
	require.NoError(t, err)
	require.Equal(t, StatusReady, got.Status)
	require.Equal(t, o.Version, mustGet(t, fx, o.OrderID).Version)
	require.Zero(t, fx.fake.Count(transitionsTable))
	require.Empty(t, fx.events.events)
}

func TestUpdateStatus_PreparingToCompletedExample(t *testing.T) {
	fx := newFixture(t)
	o := seedOrder(t, fx, "tenant-a", StatusPreparing)

	_, err := fx.svc.UpdateStatus(context.Background(), "tenant-a", o.OrderID, StatusCompleted, Actor{Type: ActorStaff})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.Equal(t, StatusPreparing, ite.Current)
	require.Equal(t, StatusCompleted, ite.Target)
	require.Equal(t, []Status{StatusReady, StatusCancelled}, ite.ValidNext)
	require.Equal(t, StatusPreparing, mustGet(t, fx, o.OrderID).Status)
}

func TestUpdateStatus_UnknownOrder(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.UpdateStatus(context.Background(), "tenant-a", "missing", StatusReady, Actor{Type: ActorStaff})
	require.ErrorIs(t, err, ErrNotFound)
	var ite *InvalidTransitionError
	require.False(t, errors.As(err, &ite))
}

func TestUpdateStatus_ConcurrentWritersOneWins(t *testing.T) {
	fx := newFixture(t)
	o := seedOrder(t, fx, "tenant-a", StatusConfirmed)

	// both writers validate against confirmed before either commits
	var arrived sync.WaitGroup
	arrived.Add(2)
	fx.fake.BeforeTransact = func(*dyn.TransactWriteItemsInput) {
		arrived.Done()
		arrived.Wait()
	}

	targets := []Status{StatusPreparing, StatusCancelled}
	results := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Status) {
			defer wg.Done()
			_, results[i] = fx.svc.UpdateStatus(context.Background(), "tenant-a", o.OrderID, target, Actor{Type: ActorStaff, ID: fmt.Sprint(i)})
		}(i, target)
	}
	wg.Wait()

	var (
		successes int
		winner    Status
		conflict  *StatusConflictError
	)
	for i, err := range results {
		if err == nil {
			successes++
			winner = targets[i]
			continue
		}
		require.ErrorAs(t, err, &conflict)
	}
	require.Equal(t, 1, successes)
	require.NotNil(t, conflict)
	require.Equal(t, StatusConfirmed, conflict.Expected)
	require.Equal(t, winner, conflict.Actual)
	require.Equal(t, winner, mustGet(t, fx, o.OrderID).Status)
	require.Equal(t, 1, fx.fake.Count(transitionsTable))
}

func TestUpdateStatus_CrossTenantIsRefusedAndAudited(t *testing.T) {
	fx := newFixture(t)
	o := seedOrder(t, fx, "tenant-b", StatusPending)

	ctx := context.Background()
	_, err := fx.svc.UpdateStatus(ctx, "tenant-a", o.OrderID, StatusCancelled, Actor{Type: ActorStaff, ID: "staff-a", RequestID: "req-1"})
	var tme *TenantMismatchError
	require.ErrorAs(t, err, &tme)
	require.NotContains(t, err.Error(), "tenant-b")

	require.Equal(t, 1, countAuditByAction(t, fx, audit.ActionSecurityViolation))
	stored := mustGet(t, fx, o.OrderID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, o.Version, stored.Version)

	_, err = fx.svc.GetOrder(WithActor(ctx, Actor{Type: ActorCustomer, ID: "c-1"}), "tenant-a", o.OrderID)
	require.ErrorAs(t, err, &tme)
	require.Equal(t, 2, countAuditByAction(t, fx, audit.ActionSecurityViolation))
}

func TestUpdateStatus_EventFailureDoesNotRollBack(t *testing.T) {
	fx := newFixture(t)
	fx.events.err = errors.New("sqs down")
	o := seedOrder(t, fx, "tenant-a", StatusNew)

	got, err := fx.svc.UpdateStatus(context.Background(), "tenant-a", o.OrderID, StatusPending, Actor{Type: ActorStaff})
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, StatusPending, mustGet(t, fx, o.OrderID).Status)
}

func TestFireScheduled_WalksToPreparing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fireAt := time.Now().Add(-time.Minute)
	in := sampleInput()
	in.ScheduledFireAt = &fireAt
	o, err := fx.svc.CreateOrder(ctx, "tenant-a", "sched-1", in)
	require.NoError(t, err)

	due, err := fx.store.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, o.OrderID, due[0].OrderID)

	fired, err := fx.svc.FireScheduled(ctx, due[0])
	require.NoError(t, err)
	require.Equal(t, StatusPreparing, fired.Status)

	history, err := fx.svc.History(ctx, "tenant-a", o.OrderID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for _, tr := range history[1:] {
		require.Equal(t, ActorScheduler, tr.ActorType)
	}

	// the order left the schedule index once it stopped being eligible
	due, err = fx.store.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestFireScheduled_Rejections(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	unscheduled := seedOrder(t, fx, "tenant-a", StatusNew)
	_, err := fx.svc.FireScheduled(ctx, DueOrder{OrderID: unscheduled.OrderID, TenantID: "tenant-a"})
	require.ErrorIs(t, err, ErrNotScheduled)

	fireAt := time.Now().Add(-time.Minute)
	in := sampleInput()
	in.ScheduledFireAt = &fireAt
	o, err := fx.svc.CreateOrder(ctx, "tenant-a", "sched-2", in)
	require.NoError(t, err)
	_, err = fx.svc.UpdateStatus(ctx, "tenant-a", o.OrderID, StatusCancelled, Actor{Type: ActorStaff})
	require.NoError(t, err)

	_, err = fx.svc.FireScheduled(ctx, DueOrder{OrderID: o.OrderID, TenantID: "tenant-a"})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	require.True(t, IsRejection(err))
	require.Equal(t, StatusCancelled, mustGet(t, fx, o.OrderID).Status)
}

func TestListDue_OnlyDueOrders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for i, at := range []*time.Time{&past, &future, nil} {
		in := sampleInput()
		in.ScheduledFireAt = at
		_, err := fx.svc.CreateOrder(ctx, "tenant-a", fmt.Sprintf("k-%d", i), in)
		require.NoError(t, err)
	}

	due, err := fx.store.ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.WithinDuration(t, past, due[0].FireAt, time.Second)
}
