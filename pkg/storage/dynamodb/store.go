// Package dynamodb implements the storage contracts on AWS DynamoDB.
// Optimistic concurrency rides on condition expressions: every balance
// mutation is guarded by the account version, and the ledger entry pair
// lands in a single TransactWriteItems call.
package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/chris/bank-ledger-core/pkg/storage"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the Store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements the Storage interface using AWS DynamoDB.
type Store struct {
	Client               DynamoDBAPI
	AccountsTableName    string
	LedgerTableName      string
	IdempotencyTableName string

	// IdempotencyTTL bounds how long committed results are retained via
	// the table's ttl attribute. Zero keeps them for the table lifetime.
	IdempotencyTTL time.Duration
}

// New creates a new Store.
func New(client DynamoDBAPI, accountsTable, ledgerTable, idempotencyTable string) *Store {
	return &Store{
		Client:               client,
		AccountsTableName:    accountsTable,
		LedgerTableName:      ledgerTable,
		IdempotencyTableName: idempotencyTable,
	}
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)
