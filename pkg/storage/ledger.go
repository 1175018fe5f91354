package storage

import (
	"context"
	"time"

	"github.com/chris/bank-ledger-core/pkg/models"
)

// LedgerAppender is the write half of the ledger. Entries are immutable
// once appended; no update or delete operation exists.
type LedgerAppender interface {
	// AppendEntries durably records one debit/credit pair in a single
	// atomic write. The pair must share a transfer id, carry equal
	// positive amounts and reference distinct accounts; anything else
	// fails with ErrInvalidEntryPair.
	AppendEntries(ctx context.Context, debit, credit models.LedgerEntry) error
}

// LedgerReader defines the read-only interface over ledger data, the
// surface handed to statement formatters and the admin console.
type LedgerReader interface {
	// History returns the entries touching an account within [from, to),
	// ascending by sequence. A zero bound is open-ended. Each call
	// re-scans the range, so the sequence is restartable.
	History(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error)

	// RecentEntries retrieves the most recent entries across all
	// accounts, newest first.
	RecentEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error)

	// ReconstructBalance folds the signed amounts of an account's entries.
	// At every quiescent point it equals the stored account balance; the
	// reconciliation job audits exactly this equality.
	ReconstructBalance(ctx context.Context, accountID string) (int64, error)
}

// Ledger composes the append-only write path with the read path.
type Ledger interface {
	LedgerAppender
	LedgerReader
}

// ValidateEntryPair checks the double-entry invariant shared by every
// backend: one debit and one credit, same transfer, equal positive
// amounts, distinct accounts.
func ValidateEntryPair(debit, credit models.LedgerEntry) error {
	if debit.Direction != models.Debit || credit.Direction != models.Credit {
		return ErrInvalidEntryPair
	}
	if debit.TransferID == "" || debit.TransferID != credit.TransferID {
		return ErrInvalidEntryPair
	}
	if debit.Amount <= 0 || debit.Amount != credit.Amount {
		return ErrInvalidEntryPair
	}
	if debit.AccountID == credit.AccountID {
		return ErrInvalidEntryPair
	}
	return nil
}
