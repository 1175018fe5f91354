package dynamodb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
)

const (
	// ledgerPartition is the shared gsi1pk value that lets RecentEntries
	// query the whole ledger newest-first.
	ledgerPartition  = "LEDGER"
	recentEntriesGSI = "gsi1pk-seq_id-index"
)

// AppendEntries durably records the debit/credit pair in one
// TransactWriteItems call: both rows land or neither does. Sequence ids
// are taken from the append wall clock, which keeps them strictly
// increasing and keeps the debit leg ordered before its credit.
func (s *Store) AppendEntries(ctx context.Context, debit, credit models.LedgerEntry) error {
	if err := storage.ValidateEntryPair(debit, credit); err != nil {
		return err
	}

	seq := time.Now().UnixNano()
	debit.SeqID = seq
	credit.SeqID = seq + 1
	debit.GSI1PK = ledgerPartition
	credit.GSI1PK = ledgerPartition

	debitAV, err := attributevalue.MarshalMap(debit)
	if err != nil {
		return fmt.Errorf("failed to marshal debit entry: %w", err)
	}
	creditAV, err := attributevalue.MarshalMap(credit)
	if err != nil {
		return fmt.Errorf("failed to marshal credit entry: %w", err)
	}

	input := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.LedgerTableName),
					Item:                debitAV,
					ConditionExpression: aws.String("attribute_not_exists(account_id)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.LedgerTableName),
					Item:                creditAV,
					ConditionExpression: aws.String("attribute_not_exists(account_id)"),
				},
			},
		},
	}

	if _, err := s.Client.TransactWriteItems(ctx, input); err != nil {
		return fmt.Errorf("failed to append ledger entry pair: %w", err)
	}

	return nil
}

// History returns the entries touching an account within [from, to),
// ascending by sequence. Sequence ids encode append time in this
// backend, so the time range maps directly onto the sort key.
func (s *Store) History(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error) {
	lo := int64(0)
	if !from.IsZero() {
		lo = from.UnixNano()
	}
	hi := int64(math.MaxInt64)
	if !to.IsZero() {
		hi = to.UnixNano() - 1
	}

	var entries []models.LedgerEntry
	var startKey map[string]types.AttributeValue

	for {
		result, err := s.Client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.LedgerTableName),
			KeyConditionExpression: aws.String("account_id = :id AND seq_id BETWEEN :lo AND :hi"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":id": &types.AttributeValueMemberS{Value: accountID},
				":lo": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", lo)},
				":hi": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", hi)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query ledger history: %w", err)
		}

		var page []models.LedgerEntry
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger entries: %w", err)
		}
		entries = append(entries, page...)

		if result.LastEvaluatedKey == nil {
			return entries, nil
		}
		startKey = result.LastEvaluatedKey
	}
}

// RecentEntries retrieves the most recent ledger entries, newest first.
func (s *Store) RecentEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error) {
	result, err := s.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.LedgerTableName),
		IndexName:              aws.String(recentEntriesGSI),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: ledgerPartition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ledger entries: %w", err)
	}

	var entries []models.LedgerEntry
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger entries: %w", err)
	}

	return entries, nil
}

// ReconstructBalance folds the signed amounts of every entry touching
// the account.
func (s *Store) ReconstructBalance(ctx context.Context, accountID string) (int64, error) {
	entries, err := s.History(ctx, accountID, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}

	var sum int64
	for _, e := range entries {
		sum += e.SignedAmount()
	}
	return sum, nil
}
