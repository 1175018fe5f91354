package storage

import "errors"

// ErrAccountNotFound is returned when the referenced account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// ErrInvalidAmount is returned for non-positive transfer amounts and negative opening balances.
var ErrInvalidAmount = errors.New("invalid amount")

// ErrInsufficientFunds is returned when a mutation would take a balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrVersionConflict is returned when a mutation carries a stale account version.
// The transfer engine retries on it; callers never see it directly.
var ErrVersionConflict = errors.New("account version conflict")

// ErrInvalidTransition is returned for a disallowed account status change.
var ErrInvalidTransition = errors.New("invalid account status transition")

// ErrNonZeroBalance is returned when closing an account that still holds funds.
var ErrNonZeroBalance = errors.New("account balance must be zero to close")

// ErrInvalidEntryPair is returned when two entries do not form a matched
// debit/credit pair. It indicates a bug in the caller, never normal operation.
var ErrInvalidEntryPair = errors.New("ledger entries do not form a valid debit/credit pair")
