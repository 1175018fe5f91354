package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/chris/bank-ledger-core/pkg/admin"
	"github.com/chris/bank-ledger-core/pkg/audit"
	"github.com/chris/bank-ledger-core/pkg/engine"
	"github.com/chris/bank-ledger-core/pkg/handlers"
	appmw "github.com/chris/bank-ledger-core/pkg/middleware"
	"github.com/chris/bank-ledger-core/pkg/storage"
	dydbstore "github.com/chris/bank-ledger-core/pkg/storage/dynamodb"
	"github.com/chris/bank-ledger-core/pkg/storage/memory"
	pgstore "github.com/chris/bank-ledger-core/pkg/storage/postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables from .env file
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	store, err := buildStore()
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}

	publisher, err := buildAuditPublisher()
	if err != nil {
		log.Fatalf("failed to initialize audit publisher: %v", err)
	}

	transferEngine := engine.New(store, logger)
	adminService := admin.New(store, store, publisher, logger)
	handler := handlers.NewApiHandler(transferEngine, adminService, store)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(appmw.NewStructuredLogger(logger))
	router.Use(chimw.Recoverer)
	handler.Routes(router)

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "8080" // Default port if not specified
	}

	log.Printf("Starting server on port %s", port)

	err = http.ListenAndServe(":"+port, router)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildStore selects the storage backend from STORAGE_BACKEND. The
// in-memory store is the default, so the service runs with no
// infrastructure at all.
func buildStore() (storage.Storage, error) {
	switch backend := os.Getenv("STORAGE_BACKEND"); backend {
	case "", "memory":
		log.Println("Using in-memory storage")
		return memory.New(), nil

	case "postgres":
		db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			return nil, err
		}
		return pgstore.New(db), nil

	case "dynamodb":
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, err
		}

		accountsTable := os.Getenv("DYNAMODB_ACCOUNTS_TABLE_NAME")
		ledgerTable := os.Getenv("DYNAMODB_LEDGER_TABLE_NAME")
		idempotencyTable := os.Getenv("DYNAMODB_IDEMPOTENCY_TABLE_NAME")
		if accountsTable == "" || ledgerTable == "" || idempotencyTable == "" {
			log.Fatal("One or more DynamoDB table name environment variables are not set")
		}

		return dydbstore.New(dynamodb.NewFromConfig(cfg), accountsTable, ledgerTable, idempotencyTable), nil

	default:
		log.Fatalf("Unknown STORAGE_BACKEND %q", backend)
		return nil, nil
	}
}

// buildAuditPublisher wires the SQS audit trail when AUDIT_QUEUE_URL is
// set. Without it admin actions are still logged, just not published.
func buildAuditPublisher() (audit.Publisher, error) {
	queueURL := os.Getenv("AUDIT_QUEUE_URL")
	if queueURL == "" {
		return nil, nil
	}

	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, err
	}
	return audit.NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL), nil
}
