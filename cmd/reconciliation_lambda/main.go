package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/chris/bank-ledger-core/pkg/audit"
	"github.com/chris/bank-ledger-core/pkg/storage"
	dydbstore "github.com/chris/bank-ledger-core/pkg/storage/dynamodb"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var store storage.Storage
var publisher audit.Publisher
var logger *slog.Logger

func init() {
	// Load environment variables for local testing.
	godotenv.Load()

	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	accountsTable := os.Getenv("DYNAMODB_ACCOUNTS_TABLE_NAME")
	ledgerTable := os.Getenv("DYNAMODB_LEDGER_TABLE_NAME")
	idempotencyTable := os.Getenv("DYNAMODB_IDEMPOTENCY_TABLE_NAME")
	if accountsTable == "" || ledgerTable == "" || idempotencyTable == "" {
		log.Fatal("One or more DynamoDB table name environment variables are not set")
	}
	store = dydbstore.New(dynamodb.NewFromConfig(cfg), accountsTable, ledgerTable, idempotencyTable)

	if queueURL := os.Getenv("AUDIT_QUEUE_URL"); queueURL != "" {
		publisher = audit.NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL)
	}
}

// HandleRequest is triggered by an EventBridge Schedule. It replays each
// account's ledger and checks that the stored balance equals the opening
// balance plus the sum of signed entry amounts. A mismatch means a
// balance moved without its entry pair, or an entry landed twice.
func HandleRequest(ctx context.Context) error {
	log.Println("Starting ledger reconciliation...")

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		log.Printf("ERROR: failed to list accounts: %v", err)
		return err
	}

	drifted := 0
	for _, acct := range accounts {
		rebuilt, err := store.ReconstructBalance(ctx, acct.Id)
		if err != nil {
			// Keep checking the rest of the accounts.
			log.Printf("ERROR: failed to reconstruct balance for account %s: %v", acct.Id, err)
			continue
		}

		expected := acct.OpeningBalance + rebuilt
		if acct.Balance == expected {
			continue
		}

		drifted++
		logger.Error("account balance drifted from ledger",
			slog.Bool("integrity_alarm", true),
			slog.String("account_id", acct.Id),
			slog.Int64("stored_balance", acct.Balance),
			slog.Int64("ledger_balance", expected))

		if publisher != nil {
			event := audit.Event{
				EventID:   uuid.New().String(),
				Action:    audit.ActionReconciliationDrift,
				AccountID: acct.Id,
				Actor:     "reconciliation",
				At:        time.Now().UTC(),
			}
			if err := publisher.Publish(ctx, event); err != nil {
				log.Printf("ERROR: failed to publish drift event for account %s: %v", acct.Id, err)
			}
		}
	}

	log.Printf("Reconciliation finished: %d accounts checked, %d drifted", len(accounts), drifted)
	return nil
}

func main() {
	lambda.Start(HandleRequest)
}
