package dynamodb

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/chris/bank-ledger-core/pkg/storage/dynamodb/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestStore(client DynamoDBAPI) *Store {
	return New(client, "accounts", "ledger", "idempotency")
}

func accountItem(t *testing.T, acct models.Account) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(acct)
	require.NoError(t, err)
	return item
}

func TestCreateAccount(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("PutItem", mock.Anything, mock.Anything).Return(&dynamodb.PutItemOutput{}, nil)

		store := newTestStore(mockClient)
		acct, err := store.CreateAccount(context.Background(), "owner-1", 5000)

		require.NoError(t, err)
		assert.NotEmpty(t, acct.Id)
		assert.Equal(t, int64(5000), acct.Balance)
		assert.Equal(t, int64(5000), acct.OpeningBalance)
		assert.Equal(t, models.StatusActive, acct.Status)
		assert.Equal(t, int64(1), acct.Version)
		mockClient.AssertExpectations(t)
	})

	t.Run("Negative Opening Balance", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)

		store := newTestStore(mockClient)
		_, err := store.CreateAccount(context.Background(), "owner-1", -1)

		assert.ErrorIs(t, err, storage.ErrInvalidAmount)
		mockClient.AssertNotCalled(t, "PutItem")
	})

	t.Run("Storage Error", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("PutItem", mock.Anything, mock.Anything).Return(nil, errors.New("some other storage error"))

		store := newTestStore(mockClient)
		_, err := store.CreateAccount(context.Background(), "owner-1", 100)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create account in DynamoDB")
		mockClient.AssertExpectations(t)
	})
}

func TestGetAccount(t *testing.T) {
	acct := models.Account{Id: "acct-1", Balance: 100, Status: models.StatusActive, Version: 3}

	t.Run("Success", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: accountItem(t, acct)}, nil)

		store := newTestStore(mockClient)
		got, err := store.GetAccount(context.Background(), "acct-1")

		require.NoError(t, err)
		assert.Equal(t, acct.Id, got.Id)
		assert.Equal(t, acct.Version, got.Version)
		mockClient.AssertExpectations(t)
	})

	t.Run("Not Found", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: nil}, nil)

		store := newTestStore(mockClient)
		_, err := store.GetAccount(context.Background(), "acct-1")

		assert.ErrorIs(t, err, storage.ErrAccountNotFound)
		mockClient.AssertExpectations(t)
	})
}

func TestListAccounts(t *testing.T) {
	a1 := models.Account{Id: "a1"}
	a2 := models.Account{Id: "a2"}

	t.Run("Paginates", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		lastKey := map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "a1"}}
		mockClient.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			return in.ExclusiveStartKey == nil
		})).Return(&dynamodb.ScanOutput{
			Items:            []map[string]types.AttributeValue{accountItem(t, a1)},
			LastEvaluatedKey: lastKey,
		}, nil).Once()
		mockClient.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			return in.ExclusiveStartKey != nil
		})).Return(&dynamodb.ScanOutput{
			Items: []map[string]types.AttributeValue{accountItem(t, a2)},
		}, nil).Once()

		store := newTestStore(mockClient)
		accounts, err := store.ListAccounts(context.Background())

		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "a1", accounts[0].Id)
		assert.Equal(t, "a2", accounts[1].Id)
		mockClient.AssertExpectations(t)
	})
}

func TestSetStatus(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
			return *in.TableName == "accounts" && *in.ConditionExpression != ""
		})).Return(&dynamodb.UpdateItemOutput{}, nil)

		store := newTestStore(mockClient)
		err := store.SetStatus(context.Background(), "acct-1", models.StatusFrozen, "admin-1")

		assert.NoError(t, err)
		mockClient.AssertExpectations(t)
	})

	t.Run("Invalid Transition", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})
		closed := models.Account{Id: "acct-1", Status: models.StatusClosed}
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: accountItem(t, closed)}, nil)

		store := newTestStore(mockClient)
		err := store.SetStatus(context.Background(), "acct-1", models.StatusActive, "admin-1")

		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
		mockClient.AssertExpectations(t)
	})

	t.Run("Close With Funds", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})
		funded := models.Account{Id: "acct-1", Status: models.StatusActive, Balance: 500}
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: accountItem(t, funded)}, nil)

		store := newTestStore(mockClient)
		err := store.SetStatus(context.Background(), "acct-1", models.StatusClosed, "admin-1")

		assert.ErrorIs(t, err, storage.ErrNonZeroBalance)
		mockClient.AssertExpectations(t)
	})

	t.Run("Not Found", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: nil}, nil)

		store := newTestStore(mockClient)
		err := store.SetStatus(context.Background(), "missing", models.StatusFrozen, "admin-1")

		assert.ErrorIs(t, err, storage.ErrAccountNotFound)
		mockClient.AssertExpectations(t)
	})
}

func TestApplyMutation(t *testing.T) {
	t.Run("Success Returns Updated Account", func(t *testing.T) {
		updated := models.Account{Id: "acct-1", Balance: 700, Version: 4}
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
			// Debits carry the non-negativity guard in the condition.
			return in.ConditionExpression != nil && *in.ConditionExpression == "attribute_exists(id) AND version = :expected AND balance >= :need"
		})).Return(&dynamodb.UpdateItemOutput{Attributes: accountItem(t, updated)}, nil)

		store := newTestStore(mockClient)
		got, err := store.ApplyMutation(context.Background(), "acct-1", -300, 3)

		require.NoError(t, err)
		assert.Equal(t, int64(700), got.Balance)
		assert.Equal(t, int64(4), got.Version)
		mockClient.AssertExpectations(t)
	})

	t.Run("Credit Omits Balance Guard", func(t *testing.T) {
		updated := models.Account{Id: "acct-1", Balance: 1300, Version: 4}
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
			return in.ConditionExpression != nil && *in.ConditionExpression == "attribute_exists(id) AND version = :expected"
		})).Return(&dynamodb.UpdateItemOutput{Attributes: accountItem(t, updated)}, nil)

		store := newTestStore(mockClient)
		got, err := store.ApplyMutation(context.Background(), "acct-1", 300, 3)

		require.NoError(t, err)
		assert.Equal(t, int64(1300), got.Balance)
		mockClient.AssertExpectations(t)
	})

	t.Run("Version Conflict", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})
		current := models.Account{Id: "acct-1", Balance: 1000, Version: 9}
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: accountItem(t, current)}, nil)

		store := newTestStore(mockClient)
		_, err := store.ApplyMutation(context.Background(), "acct-1", -300, 3)

		assert.ErrorIs(t, err, storage.ErrVersionConflict)
		mockClient.AssertExpectations(t)
	})

	t.Run("Insufficient Funds", func(t *testing.T) {
		mockClient := new(mocks.DynamoDBAPI)
		mockClient.On("UpdateItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})
		current := models.Account{Id: "acct-1", Balance: 100, Version: 3}
		mockClient.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: accountItem(t, current)}, nil)

		store := newTestStore(mockClient)
		_, err := store.ApplyMutation(context.Background(), "acct-1", -300, 3)

		assert.ErrorIs(t, err, storage.ErrInsufficientFunds)
		mockClient.AssertExpectations(t)
	})
}
