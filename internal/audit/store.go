package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/restaurant-orderflow/internal/aws"
)

// IdempotencyIndex is the GSI keyed by idempotency_key.
const IdempotencyIndex = "idempotency-index"

// Store persists entries in the audit_entries table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewStore returns a DynamoDB-backed audit store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// Insert writes a new entry; it never overwrites an existing one.
func (s *Store) Insert(ctx context.Context, entry Entry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(entry_id)"),
	})
	if err != nil {
		return fmt.Errorf("put audit entry: %w", err)
	}
	return nil
}

// Complete applies the terminal outcome carried by entry. The write is conditioned on the
// stored entry still being initiated, so an entry is completed at most once.
func (s *Store) Complete(ctx context.Context, entry Entry) error {
	completedAt := time.Now().UTC()
	if entry.CompletedAt != nil {
		completedAt = *entry.CompletedAt
	}
	ca, err := attributevalue.Marshal(completedAt)
	if err != nil {
		return fmt.Errorf("marshal completed_at: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"entry_id": &types.AttributeValueMemberS{Value: entry.EntryID},
		},
		UpdateExpression:    sdkaws.String("SET #s = :status, processor_ref = :ref, error_detail = :detail, completed_at = :ca"),
		ConditionExpression: sdkaws.String("#s = :initiated"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":    &types.AttributeValueMemberS{Value: string(entry.Status)},
			":initiated": &types.AttributeValueMemberS{Value: string(StatusInitiated)},
			":ref":       &types.AttributeValueMemberS{Value: entry.ProcessorRef},
			":detail":    &types.AttributeValueMemberS{Value: entry.ErrorDetail},
			":ca":        ca,
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("update audit entry: %w", err)
	}
	return nil
}

// Restore writes an entry recovered from the fallback log. It inserts missing entries and
// promotes initiated ones; entries that already hold a terminal outcome are left untouched.
func (s *Store) Restore(ctx context.Context, entry Entry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      sdkaws.String("attribute_not_exists(entry_id) OR #s = :initiated"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":initiated": &types.AttributeValueMemberS{Value: string(StatusInitiated)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("restore audit entry: %w", err)
	}
	return nil
}

// Get fetches an entry by id. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, entryID string) (*Entry, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"entry_id": &types.AttributeValueMemberS{Value: entryID},
		},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e Entry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	return &e, nil
}

// FindByIdempotencyKey lists the entries correlated with key, oldest first.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) ([]Entry, error) {
	var (
		entries []Entry
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:              &s.tableName,
			IndexName:              sdkaws.String(IdempotencyIndex),
			KeyConditionExpression: sdkaws.String("idempotency_key = :k"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: key},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query audit entries: %w", err)
		}
		var page []Entry
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal audit entries: %w", err)
		}
		entries = append(entries, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return entries, nil
}
