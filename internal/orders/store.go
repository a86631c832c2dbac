package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
)

// ScheduleIndex is the sparse GSI (schedule_bucket, fire_at_epoch) listing orders waiting to be
// fired.
const ScheduleIndex = "schedule-index"

// Store encapsulates operations on the orders and order_transitions tables.
type Store struct {
	client           aws.DynamoDBAPI
	tableName        string
	transitionsTable string
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, transitionsTable string) *Store {
	return &Store{
		client:           client,
		tableName:        tableName,
		transitionsTable: transitionsTable,
	}
}

// Create atomically writes the order, its initial transition row and any extra items (the
// idempotency completion) in one TransactWriteItems call.
func (s *Store) Create(ctx context.Context, order Order, initial Transition, extra ...types.TransactWriteItem) error {
	if order.scheduled() {
		order.ScheduleBucket = scheduleBucket
		order.FireAtEpoch = order.ScheduledFireAt.Unix()
	}
	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	trMap, err := attributevalue.MarshalMap(initial)
	if err != nil {
		return fmt.Errorf("marshal transition item: %w", err)
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: sdkaws.String("attribute_not_exists(order_id)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.transitionsTable,
				Item:                trMap,
				ConditionExpression: sdkaws.String("attribute_not_exists(transition_id)"),
			},
		},
	}
	items = append(items, extra...)

	if _, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (%s): %w", cancellationCodes(tce), err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id with a strongly consistent read. Returns (nil, nil) if not
// found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            orderKey(orderID),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// UpdateStatus moves current to target and appends tr in one transaction. The order write is
// conditioned on the status, version and tenant read in current, so a concurrent writer that
// committed first makes this call fail with ErrStatusMismatch.
func (s *Store) UpdateStatus(ctx context.Context, current Order, target Status, tr Transition) (*Order, error) {
	updatedAt, err := attributevalue.Marshal(tr.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("marshal updated_at: %w", err)
	}
	trMap, err := attributevalue.MarshalMap(tr)
	if err != nil {
		return nil, fmt.Errorf("marshal transition item: %w", err)
	}

	updateExpr := "SET #s = :new, #v = :next, updated_at = :ua"
	if current.ScheduleBucket != "" && !schedulable(target) {
		updateExpr += " REMOVE schedule_bucket"
	}

	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:           &s.tableName,
				Key:                 orderKey(current.OrderID),
				UpdateExpression:    sdkaws.String(updateExpr),
				ConditionExpression: sdkaws.String("#s = :expected AND #v = :version AND tenant_id = :tenant"),
				ExpressionAttributeNames: map[string]string{
					"#s": "status",
					"#v": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":new":      &types.AttributeValueMemberS{Value: string(target)},
					":expected": &types.AttributeValueMemberS{Value: string(current.Status)},
					":version":  &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
					":next":     &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version+1, 10)},
					":tenant":   &types.AttributeValueMemberS{Value: current.TenantID},
					":ua":       updatedAt,
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.transitionsTable,
				Item:                trMap,
				ConditionExpression: sdkaws.String("attribute_not_exists(transition_id)"),
			},
		},
	}

	if _, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 0 &&
			sdkaws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return nil, ErrStatusMismatch
		}
		if isConditionalFailure(err) {
			return nil, ErrStatusMismatch
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}

	updated := current
	updated.Status = target
	updated.Version = current.Version + 1
	updated.UpdatedAt = tr.OccurredAt
	if !schedulable(target) {
		updated.ScheduleBucket = ""
	}
	return &updated, nil
}

// ListDue returns scheduler-eligible orders whose fire time is at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]DueOrder, error) {
	var (
		due      []DueOrder
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              sdkaws.String(ScheduleIndex),
			KeyConditionExpression: sdkaws.String("schedule_bucket = :b AND fire_at_epoch <= :now"),
			FilterExpression:       sdkaws.String("#s = :new OR #s = :pending OR #s = :confirmed"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":b":         &types.AttributeValueMemberS{Value: scheduleBucket},
				":now":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
				":new":       &types.AttributeValueMemberS{Value: string(StatusNew)},
				":pending":   &types.AttributeValueMemberS{Value: string(StatusPending)},
				":confirmed": &types.AttributeValueMemberS{Value: string(StatusConfirmed)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query due orders: %w", err)
		}
		var page []Order
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal due orders: %w", err)
		}
		for _, o := range page {
			d := DueOrder{OrderID: o.OrderID, TenantID: o.TenantID, Status: o.Status}
			if o.ScheduledFireAt != nil {
				d.FireAt = *o.ScheduledFireAt
			}
			due = append(due, d)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return due, nil
}

// Transitions lists an order's history, oldest first.
func (s *Store) Transitions(ctx context.Context, orderID string) ([]Transition, error) {
	var (
		history  []Transition
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.transitionsTable,
			KeyConditionExpression: sdkaws.String("order_id = :id"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: orderID},
			},
			ScanIndexForward:  sdkaws.Bool(true),
			ConsistentRead:    sdkaws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query transitions: %w", err)
		}
		var page []Transition
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal transitions: %w", err)
		}
		history = append(history, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return history, nil
}

func orderKey(orderID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
}

func cancellationCodes(tce *types.TransactionCanceledException) string {
	codes := ""
	for i, r := range tce.CancellationReasons {
		if i > 0 {
			codes += ","
		}
		codes += sdkaws.ToString(r.Code)
	}
	return codes
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}
