package storage

import (
	"context"

	"github.com/chris/bank-ledger-core/pkg/models"
)

// AccountStore defines the durable record of accounts. It is the single
// shared mutable resource in the system; every balance change goes
// through ApplyMutation, which is the optimistic-concurrency backbone.
type AccountStore interface {
	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)

	// CreateAccount opens a new active account with the given opening
	// balance. Fails with ErrInvalidAmount if initialBalance is negative.
	CreateAccount(ctx context.Context, ownerID string, initialBalance int64) (*models.Account, error)

	// ListAccounts returns every account. Used by the reconciliation job.
	ListAccounts(ctx context.Context) ([]models.Account, error)

	// SetStatus transitions an account between lifecycle states. Allowed:
	// active->frozen, frozen->active, active->closed, frozen->closed.
	// Closing additionally requires a zero balance, enforced atomically
	// with the transition. Status changes never touch balance or version.
	SetStatus(ctx context.Context, accountID string, next models.AccountStatus, actor string) error

	// ApplyMutation atomically adds delta (signed) to the balance and
	// increments the version, but only if the stored version equals
	// expectedVersion and the resulting balance is non-negative. Returns
	// the post-mutation account, ErrVersionConflict on a stale read, or
	// ErrInsufficientFunds if the balance would go negative.
	ApplyMutation(ctx context.Context, accountID string, delta int64, expectedVersion int64) (*models.Account, error)
}
