// Package memory implements the storage contracts in process memory.
// It is the reference backend: tests run against it, and it is the
// default for local runs. All semantics match the durable backends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/google/uuid"
)

// Store holds all state behind a single mutex, which makes every
// operation trivially atomic. Accounts are returned by value copy so
// callers can never mutate stored state directly.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	entries  []models.LedgerEntry
	idem     map[string]*idemRecord
	nextSeq  int64
}

// idemRecord is pending while result is nil.
type idemRecord struct {
	result *models.TransferResult
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*models.Account),
		idem:     make(map[string]*idemRecord),
	}
}

// Make sure we conform to the interface
var _ storage.Storage = (*Store)(nil)

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// CreateAccount opens a new active account.
func (s *Store) CreateAccount(ctx context.Context, ownerID string, initialBalance int64) (*models.Account, error) {
	if initialBalance < 0 {
		return nil, storage.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := &models.Account{
		Id:             uuid.New().String(),
		OwnerId:        ownerID,
		Balance:        initialBalance,
		Status:         models.StatusActive,
		Version:        1,
		OpeningBalance: initialBalance,
		CreatedAt:      time.Now().UTC(),
	}
	s.accounts[acct.Id] = acct

	cp := *acct
	return &cp, nil
}

// ListAccounts returns a snapshot of every account.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]models.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, *acct)
	}
	return accounts, nil
}

// SetStatus transitions an account between lifecycle states. The zero
// balance requirement for closing is checked under the same lock as the
// transition, so a concurrent credit cannot race a close.
func (s *Store) SetStatus(ctx context.Context, accountID string, next models.AccountStatus, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	if !acct.Status.CanTransitionTo(next) {
		return storage.ErrInvalidTransition
	}
	if next == models.StatusClosed && acct.Balance != 0 {
		return storage.ErrNonZeroBalance
	}

	acct.Status = next
	return nil
}

// ApplyMutation atomically adds delta to the balance and increments the
// version, guarded by the expected version and the non-negativity invariant.
func (s *Store) ApplyMutation(ctx context.Context, accountID string, delta int64, expectedVersion int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	if acct.Version != expectedVersion {
		return nil, storage.ErrVersionConflict
	}
	if acct.Balance+delta < 0 {
		return nil, storage.ErrInsufficientFunds
	}

	acct.Balance += delta
	acct.Version++

	cp := *acct
	return &cp, nil
}

// AppendEntries records a debit/credit pair under one lock acquisition,
// assigning consecutive sequence ids to the two legs.
func (s *Store) AppendEntries(ctx context.Context, debit, credit models.LedgerEntry) error {
	if err := storage.ValidateEntryPair(debit, credit); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	debit.SeqID = s.nextSeq
	s.nextSeq++
	credit.SeqID = s.nextSeq

	s.entries = append(s.entries, debit, credit)
	return nil
}

// History returns the entries touching an account within [from, to),
// ascending by sequence.
func (s *Store) History(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID != accountID {
			continue
		}
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RecentEntries retrieves the newest entries across all accounts, newest first.
func (s *Store) RecentEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(limit)
	if n > len(s.entries) {
		n = len(s.entries)
	}

	out := make([]models.LedgerEntry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// ReconstructBalance folds the signed amounts of an account's entries.
func (s *Store) ReconstructBalance(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, e := range s.entries {
		if e.AccountID == accountID {
			sum += e.SignedAmount()
		}
	}
	return sum, nil
}

// ReserveIdempotencyKey claims key for the calling transfer.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, key string) (*models.TransferResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idem[key]; ok {
		if rec.result != nil {
			cp := *rec.result
			return &cp, false, nil
		}
		// Pending reservation held by another transfer.
		return nil, false, nil
	}

	s.idem[key] = &idemRecord{}
	return nil, true, nil
}

// CompleteIdempotencyKey records the committed result for a reserved key.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, result *models.TransferResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *result
	s.idem[key] = &idemRecord{result: &cp}
	return nil
}

// ReleaseIdempotencyKey drops a reservation whose transfer was rejected.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.idem, key)
	return nil
}
