// Package postgres implements the storage contracts on PostgreSQL.
// Optimistic concurrency uses version-predicated updates; the ledger
// entry pair is inserted inside one database transaction. See schema.sql
// for the expected tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store implements the Storage interface using PostgreSQL via lib/pq.
type Store struct {
	DB *sql.DB
}

// New creates a new Store.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)

const accountColumns = "id, owner_id, balance, status, version, opening_balance, created_at"

func scanAccount(row *sql.Row) (*models.Account, error) {
	var acct models.Account
	err := row.Scan(&acct.Id, &acct.OwnerId, &acct.Balance, &acct.Status, &acct.Version, &acct.OpeningBalance, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// CreateAccount opens a new active account.
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

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, balance, status, version, opening_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.Id, acct.OwnerId, acct.Balance, acct.Status, acct.Version, acct.OpeningBalance, acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return acct, nil
}

// ListAccounts returns every account.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var acct models.Account
		if err := rows.Scan(&acct.Id, &acct.OwnerId, &acct.Balance, &acct.Status, &acct.Version, &acct.OpeningBalance, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// SetStatus transitions an account in a single predicated update. The
// allowed previous statuses and the zero-balance close requirement ride
// in the WHERE clause, so the transition cannot race a concurrent credit.
func (s *Store) SetStatus(ctx context.Context, accountID string, next models.AccountStatus, actor string) error {
	var allowed []string
	for _, prev := range []models.AccountStatus{models.StatusActive, models.StatusFrozen, models.StatusClosed} {
		if prev.CanTransitionTo(next) {
			allowed = append(allowed, string(prev))
		}
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET status = $1, status_changed_by = $2
		WHERE id = $3 AND status = ANY($4)
		  AND ($1 <> 'CLOSED' OR balance = 0)`,
		next, actor, accountID, pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return s.classifyStatusFailure(ctx, accountID, next)
	}
	return nil
}

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
	return storage.ErrInvalidTransition
}

// ApplyMutation atomically adds delta to the balance and increments the
// version, predicated on the expected version and the non-negativity
// invariant.
func (s *Store) ApplyMutation(ctx context.Context, accountID string, delta int64, expectedVersion int64) (*models.Account, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1
		WHERE id = $2 AND version = $3 AND balance + $1 >= 0
		RETURNING `+accountColumns,
		delta, accountID, expectedVersion)

	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMutationFailure(ctx, accountID, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply balance mutation: %w", err)
	}
	return acct, nil
}

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

// AppendEntries inserts the debit/credit pair inside one database
// transaction; seq_id is assigned by the ledger_entries sequence, which
// keeps the order strictly increasing.
func (s *Store) AppendEntries(ctx context.Context, debit, credit models.LedgerEntry) error {
	if err := storage.ValidateEntryPair(debit, credit); err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range []models.LedgerEntry{debit, credit} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (entry_id, transfer_id, account_id, direction, amount, resulting_balance, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.EntryID, e.TransferID, e.AccountID, e.Direction, e.Amount, e.ResultingBalance, e.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger entry pair: %w", err)
	}
	return nil
}

const entryColumns = "entry_id, seq_id, transfer_id, account_id, direction, amount, resulting_balance, created_at"

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.EntryID, &e.SeqID, &e.TransferID, &e.AccountID, &e.Direction, &e.Amount, &e.ResultingBalance, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// History returns the entries touching an account within [from, to),
// ascending by sequence.
func (s *Store) History(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error) {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY seq_id ASC`,
		accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}
	return scanEntries(rows)
}

// RecentEntries retrieves the most recent ledger entries, newest first.
func (s *Store) RecentEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		ORDER BY seq_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ledger entries: %w", err)
	}
	return scanEntries(rows)
}

// ReconstructBalance folds the signed amounts in SQL.
func (s *Store) ReconstructBalance(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'DEBIT' THEN -amount ELSE amount END), 0)
		FROM ledger_entries
		WHERE account_id = $1`, accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to reconstruct balance: %w", err)
	}
	return sum, nil
}

// ReserveIdempotencyKey claims key with an insert that yields no row
// when the key already exists.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key string) (*models.TransferResult, bool, error) {
	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, state, created_at)
		VALUES ($1, 'PENDING', $2)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return nil, true, nil
	}

	var state string
	var transferID, status sql.NullString
	var srcBal, dstBal sql.NullInt64
	var completedAt sql.NullTime
	err = s.DB.QueryRowContext(ctx, `
		SELECT state, transfer_id, result_status, new_source_balance, new_destination_balance, completed_at
		FROM idempotency_keys
		WHERE idempotency_key = $1`, key).
		Scan(&state, &transferID, &status, &srcBal, &dstBal, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the read; caller re-reserves.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	if state != "COMMITTED" {
		return nil, false, nil
	}
	return &models.TransferResult{
		TransferID:            transferID.String,
		Status:                models.TransferStatus(status.String),
		NewSourceBalance:      srcBal.Int64,
		NewDestinationBalance: dstBal.Int64,
		CompletedAt:           completedAt.Time,
	}, false, nil
}

// CompleteIdempotencyKey records the committed result for a reserved key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, result *models.TransferResult) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET state = 'COMMITTED', transfer_id = $1, result_status = $2,
		    new_source_balance = $3, new_destination_balance = $4, completed_at = $5
		WHERE idempotency_key = $6`,
		result.TransferID, result.Status, result.NewSourceBalance,
		result.NewDestinationBalance, result.CompletedAt, key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops a reservation whose transfer was rejected.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE idempotency_key = $1", key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
