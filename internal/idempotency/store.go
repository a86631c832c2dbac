package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
)

const (
	keySeparator        = "#"
	defaultWaitTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond

	// a key may be taken over when the previous attempt failed, expired or abandoned its lease
	claimCondition = "attribute_not_exists(idempotency_key) OR #s = :failed OR expires_at < :now OR lease_expires_at < :now"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client       aws.DynamoDBAPI
	tableName    string
	ttlWindow    time.Duration
	lease        time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	nowFunc      func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithWait configures how long Await polls an in-flight claim.
func WithWait(timeout, poll time.Duration) Option {
	return func(s *Store) {
		if timeout > 0 {
			s.waitTimeout = timeout
		}
		if poll > 0 {
			s.pollInterval = poll
		}
	}
}

// WithLease overrides how long an IN_PROGRESS claim is honoured.
func WithLease(lease time.Duration) Option {
	return func(s *Store) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: how long keys are retained (DefaultTTL when zero).
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration, opts ...Option) *Store {
	if ttlWindow <= 0 {
		ttlWindow = DefaultTTL
	}
	s := &Store{
		client:       client,
		tableName:    tableName,
		ttlWindow:    ttlWindow,
		lease:        DefaultLease,
		waitTimeout:  defaultWaitTimeout,
		pollInterval: defaultPollInterval,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RecordKey builds the partition key for (tenant, scope, key).
func RecordKey(tenantID, scope, key string) (string, error) {
	tenantID, scope, key = strings.TrimSpace(tenantID), strings.TrimSpace(scope), strings.TrimSpace(key)
	if tenantID == "" || scope == "" || key == "" {
		return "", ErrInvalidKey
	}
	if strings.Contains(tenantID, keySeparator) || strings.Contains(scope, keySeparator) {
		return "", ErrInvalidKey
	}
	return tenantID + keySeparator + scope + keySeparator + key, nil
}

// Claim atomically inserts an IN_PROGRESS record for the request. Exactly one concurrent caller
// acquires the key; the others observe the existing record as completed or in flight.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (Claim, error) {
	pk, err := RecordKey(req.TenantID, req.Scope, req.Key)
	if err != nil {
		return Claim{}, err
	}

	now := s.nowFunc().UTC()
	rec := IdempotencyRecord{
		IdempotencyKey: pk,
		TenantID:       req.TenantID,
		Scope:          req.Scope,
		ClientKey:      req.Key,
		Fingerprint:    req.Fingerprint,
		Status:         StatusInProgress,
		ResourceID:     req.ResourceID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
		LeaseExpiresAt: now.Add(s.lease).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Claim{}, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      sdkaws.String(claimCondition),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err == nil {
		return Claim{State: ClaimAcquired, Record: rec}, nil
	}
	if !isConditionalFailure(err) {
		return Claim{}, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.Get(ctx, req.TenantID, req.Scope, req.Key)
	if err != nil {
		return Claim{}, err
	}
	if existing == nil {
		// record expired and was reaped between the put and the read
		return Claim{}, fmt.Errorf("claim %s: %w", pk, ErrConditionFailed)
	}
	if req.Fingerprint != "" && existing.Fingerprint != "" && existing.Fingerprint != req.Fingerprint {
		return Claim{Record: *existing}, ErrFingerprintMismatch
	}
	if existing.Status == StatusDone {
		return Claim{State: ClaimCompleted, Record: *existing}, nil
	}
	return Claim{State: ClaimInFlight, Record: *existing}, nil
}

// Get retrieves an idempotency record. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error) {
	pk, err := RecordKey(tenantID, scope, key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            recordKey(pk),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Await polls an in-flight key until its owner finishes or the wait window elapses.
// It returns the record once it is DONE or FAILED.
func (s *Store) Await(ctx context.Context, tenantID, scope, key string) (*IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := s.Get(ctx, tenantID, scope, key)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if rec != nil && rec.Status != StatusInProgress {
			return rec, nil
		}
		if rec != nil && rec.LeaseExpiresAt < s.nowFunc().Unix() {
			// the owner abandoned the claim; let the caller try to take it over
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrAwaitTimeout
		case <-ticker.C:
		}
	}
}

// MarkDone sets status to DONE and stores a small response body.
// The update is conditioned on the record still being IN_PROGRESS.
func (s *Store) MarkDone(ctx context.Context, tenantID, scope, key, resourceID, responseBody string) error {
	item, err := s.CompleteItem(tenantID, scope, key, resourceID, responseBody)
	if err != nil {
		return err
	}
	u := item.Update
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("mark done: %w", ErrConditionFailed)
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// CompleteItem builds the MarkDone update as a transact item so a caller can commit the
// business write and the idempotency completion atomically.
func (s *Store) CompleteItem(tenantID, scope, key, resourceID, responseBody string) (types.TransactWriteItem, error) {
	pk, err := RecordKey(tenantID, scope, key)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	now := s.nowFunc().UTC()
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 recordKey(pk),
			UpdateExpression:    sdkaws.String("SET #s = :done, resource_id = :rid, response_body = :rb, updated_at = :ua"),
			ConditionExpression: sdkaws.String("#s = :inprogress"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":done":       &types.AttributeValueMemberS{Value: StatusDone},
				":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
				":rid":        &types.AttributeValueMemberS{Value: resourceID},
				":rb":         &types.AttributeValueMemberS{Value: responseBody},
				":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			},
		},
	}, nil
}

// MarkFailed marks the record FAILED with a note so the client may retry with the same key.
func (s *Store) MarkFailed(ctx context.Context, tenantID, scope, key, note string) error {
	pk, err := RecordKey(tenantID, scope, key)
	if err != nil {
		return err
	}
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 recordKey(pk),
		UpdateExpression:    sdkaws.String("SET #s = :failed, note = :n, updated_at = :ua"),
		ConditionExpression: sdkaws.String("#s = :inprogress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":n":          &types.AttributeValueMemberS{Value: note},
			":ua":         &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return fmt.Errorf("mark failed: %w", ErrConditionFailed)
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func recordKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: pk},
	}
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}
