// Package admin is the control surface for operators: freeze, unfreeze
// and close accounts, plus read-only inspection. It only ever changes
// account status; balances and ledger entries are out of its reach.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chris/bank-ledger-core/pkg/audit"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/google/uuid"
)

// ErrAlreadyFrozen is returned when freezing an account that is frozen.
var ErrAlreadyFrozen = errors.New("account is already frozen")

// ErrNotFrozen is returned when unfreezing an account that is not frozen.
var ErrNotFrozen = errors.New("account is not frozen")

// Service holds the dependencies of the admin control surface.
type Service struct {
	Accounts storage.AccountStore
	Ledger   storage.LedgerReader
	Audit    audit.Publisher
	Logger   *slog.Logger
}

// New creates a Service. publisher may be nil, in which case admin
// actions are logged but not published.
func New(accounts storage.AccountStore, ledger storage.LedgerReader, publisher audit.Publisher, logger *slog.Logger) *Service {
	return &Service{
		Accounts: accounts,
		Ledger:   ledger,
		Audit:    publisher,
		Logger:   logger,
	}
}

// Freeze suspends an account: it may neither send nor receive transfers
// until unfrozen. The store serializes the transition against in-flight
// transfers, so a commit sees either the pre- or post-freeze status.
func (s *Service) Freeze(ctx context.Context, accountID, actor, reason string) error {
	acct, err := s.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Status == models.StatusFrozen {
		return ErrAlreadyFrozen
	}

	if err := s.Accounts.SetStatus(ctx, accountID, models.StatusFrozen, actor); err != nil {
		// A racing freeze may have landed between the read and the write.
		if errors.Is(err, storage.ErrInvalidTransition) {
			if cur, getErr := s.Accounts.GetAccount(ctx, accountID); getErr == nil && cur.Status == models.StatusFrozen {
				return ErrAlreadyFrozen
			}
		}
		return err
	}

	s.publish(ctx, audit.Event{
		EventID:   uuid.New().String(),
		Action:    audit.ActionFreeze,
		AccountID: accountID,
		Actor:     actor,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
	return nil
}

// Unfreeze returns a frozen account to active.
func (s *Service) Unfreeze(ctx context.Context, accountID, actor string) error {
	acct, err := s.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Status != models.StatusFrozen {
		return ErrNotFrozen
	}

	if err := s.Accounts.SetStatus(ctx, accountID, models.StatusActive, actor); err != nil {
		// A racing unfreeze may have landed between the read and the write.
		if errors.Is(err, storage.ErrInvalidTransition) {
			if cur, getErr := s.Accounts.GetAccount(ctx, accountID); getErr == nil && cur.Status == models.StatusActive {
				return ErrNotFrozen
			}
		}
		return err
	}

	s.publish(ctx, audit.Event{
		EventID:   uuid.New().String(),
		Action:    audit.ActionUnfreeze,
		AccountID: accountID,
		Actor:     actor,
		At:        time.Now().UTC(),
	})
	return nil
}

// Close permanently retires an account. The store only accepts the
// transition for a zero balance, atomically, so a concurrent credit
// cannot slip in between check and close.
func (s *Service) Close(ctx context.Context, accountID, actor string) error {
	if err := s.Accounts.SetStatus(ctx, accountID, models.StatusClosed, actor); err != nil {
		return err
	}

	s.publish(ctx, audit.Event{
		EventID:   uuid.New().String(),
		Action:    audit.ActionClose,
		AccountID: accountID,
		Actor:     actor,
		At:        time.Now().UTC(),
	})
	return nil
}

// Inspect returns the account for read-only review.
func (s *Service) Inspect(ctx context.Context, accountID string) (*models.Account, error) {
	return s.Accounts.GetAccount(ctx, accountID)
}

// RecentLedgerEntries returns the newest ledger entries for review.
func (s *Service) RecentLedgerEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error) {
	return s.Ledger.RecentEntries(ctx, limit)
}

// publish delivers the event best-effort. The admin action has already
// been applied; a publish failure is logged, never propagated.
func (s *Service) publish(ctx context.Context, event audit.Event) {
	s.Logger.Info("admin action",
		slog.String("action", string(event.Action)),
		slog.String("account_id", event.AccountID),
		slog.String("actor", event.Actor))

	if s.Audit == nil {
		return
	}
	if err := s.Audit.Publish(ctx, event); err != nil {
		s.Logger.Warn("failed to publish audit event",
			slog.String("action", string(event.Action)),
			slog.String("account_id", event.AccountID),
			slog.Any("error", err))
	}
}
