package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
)

// ApplyMutation atomically adds delta to the balance and increments the
// version. The condition expression enforces the expected version and,
// for debits, that the balance cannot go negative, so the invariant
// holds without any locking.
func (s *Store) ApplyMutation(ctx context.Context, accountID string, delta int64, expectedVersion int64) (*models.Account, error) {
	cond := "attribute_exists(id) AND version = :expected"
	values := map[string]types.AttributeValue{
		":delta":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", delta)},
		":one":      &types.AttributeValueMemberN{Value: "1"},
		":expected": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
	}
	if delta < 0 {
		cond += " AND balance >= :need"
		values[":need"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", -delta)}
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.AccountsTableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: accountID},
		},
		UpdateExpression:          aws.String("SET balance = balance + :delta, version = version + :one"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}

	result, err := s.Client.UpdateItem(ctx, input)
	if err != nil {
		var condCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckFailed) {
			return nil, s.classifyMutationFailure(ctx, accountID, expectedVersion)
		}
		return nil, fmt.Errorf("failed to apply balance mutation in DynamoDB: %w", err)
	}

	var acct models.Account
	if err := attributevalue.UnmarshalMap(result.Attributes, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutated account: %w", err)
	}

	return &acct, nil
}

// classifyMutationFailure re-reads the account to decide which guard of
// the condition expression rejected the write.
func (s *Store) classifyMutationFailure(ctx context.Context, accountID string, expectedVersion int64) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Version != expectedVersion {
		return storage.ErrVersionConflict
	}
	return storage.ErrInsufficientFunds
}
