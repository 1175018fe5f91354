// Package engine implements the transfer protocol: precondition
// validation, idempotent commit with bounded optimistic retry,
// compensation of partial failures, and the ledger append.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/google/uuid"
)

// ErrSelfTransfer is returned when source and destination are the same account.
var ErrSelfTransfer = errors.New("source and destination accounts are the same")

// ErrAccountNotActive is returned when either endpoint is frozen or closed.
var ErrAccountNotActive = errors.New("account is frozen or closed")

// ErrContended is returned once the bounded retry budget is exhausted.
// Retrying with the same idempotency key is always safe.
var ErrContended = errors.New("transfer aborted after repeated conflicts")

const (
	defaultMaxAttempts     = 5
	defaultAppendDeadline  = 30 * time.Second
	defaultAppendBackoff   = 250 * time.Millisecond
	defaultIdempotencyPoll = 25 * time.Millisecond
)

// Engine orchestrates transfers over an injected Storage. The zero
// values of the tuning fields are replaced with defaults by New.
type Engine struct {
	Store  storage.Storage
	Logger *slog.Logger

	// MaxAttempts bounds the optimistic commit loop and the wait for a
	// concurrent holder of the same idempotency key.
	MaxAttempts int
	// AppendDeadline bounds how long a ledger append may be retried
	// after the balances have already moved.
	AppendDeadline  time.Duration
	AppendBackoff   time.Duration
	IdempotencyPoll time.Duration
}

// New creates an Engine with default retry and deadline settings.
func New(store storage.Storage, logger *slog.Logger) *Engine {
	return &Engine{
		Store:           store,
		Logger:          logger,
		MaxAttempts:     defaultMaxAttempts,
		AppendDeadline:  defaultAppendDeadline,
		AppendBackoff:   defaultAppendBackoff,
		IdempotencyPoll: defaultIdempotencyPoll,
	}
}

// Transfer moves amount minor units from sourceID to destinationID as a
// single atomic unit: both balance mutations plus the ledger entry pair
// land together or not at all. A non-empty idempotencyKey makes retries
// safe: a key that already produced a committed transfer returns that
// prior result unchanged.
func (e *Engine) Transfer(ctx context.Context, sourceID, destinationID string, amount int64, idempotencyKey string) (*models.TransferResult, error) {
	if amount <= 0 {
		return nil, storage.ErrInvalidAmount
	}
	if sourceID == destinationID {
		return nil, ErrSelfTransfer
	}

	if idempotencyKey != "" {
		prior, acquired, err := e.claimKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return prior, nil
		}
		if !acquired {
			return nil, ErrContended
		}
	}

	result, err := e.commit(ctx, sourceID, destinationID, amount)
	if err != nil {
		if idempotencyKey != "" {
			if result != nil {
				// Both legs landed; only the ledger append failed. The
				// transfer is committed, so the key must resolve to this
				// outcome. Releasing it would let a same-key retry move
				// the money a second time.
				e.recordResult(ctx, idempotencyKey, result)
			} else if relErr := e.Store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
				e.Logger.Warn("failed to release idempotency key after rejection",
					slog.String("idempotency_key", idempotencyKey),
					slog.Any("error", relErr))
			}
		}
		return nil, err
	}

	if idempotencyKey != "" {
		e.recordResult(ctx, idempotencyKey, result)
	}
	return result, nil
}

// GetBalance returns the current balance of an account.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := e.Store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetHistory returns the ledger entries touching an account within
// [from, to), ascending. A zero bound is open-ended.
func (e *Engine) GetHistory(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error) {
	if _, err := e.Store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.Store.History(ctx, accountID, from, to)
}

// claimKey reserves the idempotency key for this transfer. If another
// in-flight transfer holds it, the caller waits briefly for that
// transfer's result instead of committing a duplicate.
func (e *Engine) claimKey(ctx context.Context, key string) (*models.TransferResult, bool, error) {
	prior, acquired, err := e.Store.ReserveIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if prior != nil || acquired {
		return prior, acquired, nil
	}

	for i := 0; i < e.MaxAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(e.IdempotencyPoll):
		}

		prior, acquired, err = e.Store.ReserveIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if prior != nil || acquired {
			return prior, acquired, nil
		}
	}
	return nil, false, nil
}

// commit runs the optimistic commit protocol and appends the entry pair.
// If the append fails after both legs applied, the built result is
// returned alongside the error: the balances are final at that point.
func (e *Engine) commit(ctx context.Context, sourceID, destinationID string, amount int64) (*models.TransferResult, error) {
	debited, credited, err := e.applyLegs(ctx, sourceID, destinationID, amount)
	if err != nil {
		return nil, err
	}

	transferID := uuid.New().String()
	now := time.Now().UTC()
	debit := models.LedgerEntry{
		EntryID:          uuid.New().String(),
		TransferID:       transferID,
		AccountID:        sourceID,
		Direction:        models.Debit,
		Amount:           amount,
		ResultingBalance: debited.Balance,
		Timestamp:        now,
	}
	credit := models.LedgerEntry{
		EntryID:          uuid.New().String(),
		TransferID:       transferID,
		AccountID:        destinationID,
		Direction:        models.Credit,
		Amount:           amount,
		ResultingBalance: credited.Balance,
		Timestamp:        now,
	}

	result := &models.TransferResult{
		TransferID:            transferID,
		Status:                models.TransferCommitted,
		NewSourceBalance:      debited.Balance,
		NewDestinationBalance: credited.Balance,
		CompletedAt:           now,
	}

	if err := e.appendWithRetry(ctx, debit, credit); err != nil {
		return result, err
	}
	return result, nil
}

// applyLegs performs both balance mutations. Each attempt snapshots the
// two accounts, re-validates the preconditions against the snapshot and
// commits the legs with version-guarded mutations. A conflict on either
// leg restarts from a fresh snapshot; a conflict after the debit landed
// reverses the debit first, so no reader ever observes a lone leg.
func (e *Engine) applyLegs(ctx context.Context, sourceID, destinationID string, amount int64) (debited, credited *models.Account, err error) {
	for attempt := 0; attempt < e.MaxAttempts; attempt++ {
		// Cancellation before any mutation is a pure no-op.
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		src, err := e.Store.GetAccount(ctx, sourceID)
		if err != nil {
			return nil, nil, err
		}
		dst, err := e.Store.GetAccount(ctx, destinationID)
		if err != nil {
			return nil, nil, err
		}

		if src.Status != models.StatusActive || dst.Status != models.StatusActive {
			return nil, nil, ErrAccountNotActive
		}
		if src.Balance < amount {
			return nil, nil, storage.ErrInsufficientFunds
		}

		debited, err = e.Store.ApplyMutation(ctx, sourceID, -amount, src.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		credited, err = e.Store.ApplyMutation(ctx, destinationID, amount, dst.Version)
		if err == nil {
			return debited, credited, nil
		}

		e.compensate(ctx, sourceID, amount, debited.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		return nil, nil, err
	}
	return nil, nil, ErrContended
}

// compensateAttempts bounds the reversal loop; each iteration refreshes
// the version, so it only spins while other transfers keep winning.
const compensateAttempts = 32

// compensate reverses an applied debit. The reversal must land: losing
// it would destroy money, so a non-conflict failure is escalated as an
// integrity alarm rather than returned.
func (e *Engine) compensate(ctx context.Context, accountID string, amount int64, expectedVersion int64) {
	ctx = context.WithoutCancel(ctx)
	version := expectedVersion

	var err error
	for i := 0; i < compensateAttempts; i++ {
		_, err = e.Store.ApplyMutation(ctx, accountID, amount, version)
		if err == nil {
			return
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			break
		}
		acct, getErr := e.Store.GetAccount(ctx, accountID)
		if getErr != nil {
			err = getErr
			break
		}
		version = acct.Version
	}

	e.Logger.Error("failed to reverse applied debit",
		slog.Bool("integrity_alarm", true),
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
		slog.Any("error", err))
}

// appendWithRetry is the only step allowed to retry after the balances
// have moved: the entry pair must land. It backs off until
// AppendDeadline, then raises the integrity alarm and surfaces the
// failure to the operator.
func (e *Engine) appendWithRetry(ctx context.Context, debit, credit models.LedgerEntry) error {
	ctx = context.WithoutCancel(ctx)
	deadline := time.Now().Add(e.AppendDeadline)

	var err error
	for {
		err = e.Store.AppendEntries(ctx, debit, credit)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrInvalidEntryPair) {
			// A malformed pair is a bug; retrying cannot fix it.
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(e.AppendBackoff)
	}

	e.Logger.Error("ledger append failed after balances committed",
		slog.Bool("integrity_alarm", true),
		slog.String("transfer_id", debit.TransferID),
		slog.String("source_account_id", debit.AccountID),
		slog.String("destination_account_id", credit.AccountID),
		slog.Int64("amount", debit.Amount),
		slog.Any("error", err))
	return fmt.Errorf("ledger append failed for transfer %s: %w", debit.TransferID, err)
}

// recordResult stores the committed outcome under the idempotency key.
// The balances already moved, so a failure here is retried and then
// alarmed rather than failing the transfer.
func (e *Engine) recordResult(ctx context.Context, key string, result *models.TransferResult) {
	ctx = context.WithoutCancel(ctx)

	var err error
	for i := 0; i < e.MaxAttempts; i++ {
		err = e.Store.CompleteIdempotencyKey(ctx, key, result)
		if err == nil {
			return
		}
		time.Sleep(e.AppendBackoff)
	}

	e.Logger.Error("failed to record idempotency result for committed transfer",
		slog.Bool("integrity_alarm", true),
		slog.String("idempotency_key", key),
		slog.String("transfer_id", result.TransferID),
		slog.Any("error", err))
}
