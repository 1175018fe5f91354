package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/chris/bank-ledger-core/pkg/models"
)

const (
	idemStatePending   = "PENDING"
	idemStateCommitted = "COMMITTED"
)

// idempotencyRecord is the stored shape of one reservation.
type idempotencyRecord struct {
	IdempotencyKey string                 `dynamodbav:"idempotency_key"`
	State          string                 `dynamodbav:"state"`
	Result         *models.TransferResult `dynamodbav:"result,omitempty"`
	CreatedAt      time.Time              `dynamodbav:"created_at"`
	TTL            int64                  `dynamodbav:"ttl,omitempty"`
}

// ReserveIdempotencyKey claims key with a conditional put: the first
// caller wins, everyone else observes either the pending reservation or
// the committed result.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key string) (*models.TransferResult, bool, error) {
	rec := idempotencyRecord{
		IdempotencyKey: key,
		State:          idemStatePending,
		CreatedAt:      time.Now().UTC(),
	}
	if s.IdempotencyTTL > 0 {
		rec.TTL = time.Now().Add(s.IdempotencyTTL).Unix()
	}

	recAV, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.IdempotencyTableName),
		Item:                recAV,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
	}

	_, err = s.Client.PutItem(ctx, input)
	if err == nil {
		return nil, true, nil
	}

	var condCheckFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &condCheckFailed) {
		return nil, false, fmt.Errorf("failed to reserve idempotency key in DynamoDB: %w", err)
	}

	existing, err := s.getIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && existing.State == idemStateCommitted {
		return existing.Result, false, nil
	}
	// Pending reservation held by another transfer (or released between
	// the put and the read; the caller re-reserves on its next poll).
	return nil, false, nil
}

// CompleteIdempotencyKey records the committed result for a reserved key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, result *models.TransferResult) error {
	resultAV, err := attributevalue.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer result: %w", err)
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.IdempotencyTableName),
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET #state = :committed, #result = :result"),
		ExpressionAttributeNames: map[string]string{
			"#state":  "state",
			"#result": "result",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":committed": &types.AttributeValueMemberS{Value: idemStateCommitted},
			":result":    resultAV,
		},
	}

	if _, err := s.Client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("failed to complete idempotency key in DynamoDB: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops a reservation whose transfer was rejected.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(s.IdempotencyTableName),
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
	}

	if _, err := s.Client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("failed to release idempotency key in DynamoDB: %w", err)
	}
	return nil
}

func (s *Store) getIdempotencyRecord(ctx context.Context, key string) (*idempotencyRecord, error) {
	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.IdempotencyTableName),
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record from DynamoDB: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}

	var rec idempotencyRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}
