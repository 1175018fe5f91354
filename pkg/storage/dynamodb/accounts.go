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
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/google/uuid"
)

// CreateAccount creates a new active account record in DynamoDB.
func (s *Store) CreateAccount(ctx context.Context, ownerID string, initialBalance int64) (*models.Account, error) {
	if initialBalance < 0 {
		return nil, storage.ErrInvalidAmount
	}

	acct := &models.Account{
		Id:             uuid.New().String(),
		OwnerId:        ownerID,
		Balance:        initialBalance,
		Status:         models.StatusActive,
		Version:        1,
		OpeningBalance: initialBalance,
		CreatedAt:      time.Now().UTC(),
	}

	acctAV, err := attributevalue.MarshalMap(acct)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(s.AccountsTableName),
		Item:                acctAV,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	}

	if _, err := s.Client.PutItem(ctx, input); err != nil {
		var condCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckFailed) {
			return nil, fmt.Errorf("account %s already exists", acct.Id)
		}
		return nil, fmt.Errorf("failed to create account in DynamoDB: %w", err)
	}

	return acct, nil
}

// GetAccount retrieves an account from DynamoDB by its id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"id": accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account ID: %w", err)
	}

	result, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.AccountsTableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get account from DynamoDB: %w", err)
	}

	if result.Item == nil {
		return nil, storage.ErrAccountNotFound
	}

	var acct models.Account
	if err := attributevalue.UnmarshalMap(result.Item, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	return &acct, nil
}

// ListAccounts retrieves all accounts from DynamoDB.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	var startKey map[string]types.AttributeValue

	for {
		result, err := s.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.AccountsTableName),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan accounts table: %w", err)
		}

		var page []models.Account
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal accounts: %w", err)
		}
		accounts = append(accounts, page...)

		if result.LastEvaluatedKey == nil {
			return accounts, nil
		}
		startKey = result.LastEvaluatedKey
	}
}

// SetStatus transitions an account between lifecycle states with a
// single conditional update. The condition carries the allowed previous
// statuses and, for a close, the zero-balance requirement, so the
// transition can never partially apply or race a concurrent credit.
func (s *Store) SetStatus(ctx context.Context, accountID string, next models.AccountStatus, actor string) error {
	var allowed []models.AccountStatus
	for _, prev := range []models.AccountStatus{models.StatusActive, models.StatusFrozen, models.StatusClosed} {
		if prev.CanTransitionTo(next) {
			allowed = append(allowed, prev)
		}
	}

	cond := "attribute_exists(id) AND #status IN ("
	values := map[string]types.AttributeValue{
		":next": &types.AttributeValueMemberS{Value: string(next)},
	}
	for i, prev := range allowed {
		placeholder := fmt.Sprintf(":prev%d", i)
		if i > 0 {
			cond += ", "
		}
		cond += placeholder
		values[placeholder] = &types.AttributeValueMemberS{Value: string(prev)}
	}
	cond += ")"

	if next == models.StatusClosed {
		cond += " AND balance = :zero"
		values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
	}

	values[":actor"] = &types.AttributeValueMemberS{Value: actor}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.AccountsTableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: accountID},
		},
		UpdateExpression:    aws.String("SET #status = :next, status_changed_by = :actor"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: values,
	}

	if _, err := s.Client.UpdateItem(ctx, input); err != nil {
		var condCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckFailed) {
			return s.classifyStatusFailure(ctx, accountID, next)
		}
		return fmt.Errorf("failed to update account status in DynamoDB: %w", err)
	}

	return nil
}

// classifyStatusFailure re-reads the account to turn a failed condition
// into the precise contract error.
func (s *Store) classifyStatusFailure(ctx context.Context, accountID string, next models.AccountStatus) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.Status.CanTransitionTo(next) {
		return storage.ErrInvalidTransition
	}
	if next == models.StatusClosed && acct.Balance != 0 {
		return storage.ErrNonZeroBalance
	}
	// The condition failed against state that has since changed again.
	return storage.ErrInvalidTransition
}
