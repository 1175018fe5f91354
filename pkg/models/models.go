package models

import (
	"time"
)

// AccountStatus defines the lifecycle states of an account.
type AccountStatus string

const (
	StatusActive AccountStatus = "ACTIVE"
	StatusFrozen AccountStatus = "FROZEN"
	StatusClosed AccountStatus = "CLOSED"
)

// CanTransitionTo reports whether a status change is allowed.
// Closed is terminal; active and frozen can reach every other state.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	if s == next || s == StatusClosed {
		return false
	}
	switch next {
	case StatusActive, StatusFrozen, StatusClosed:
		return true
	}
	return false
}

// Account represents the internal domain model for an account.
// Balance is held in minor currency units (cents) and is never negative.
// Version increments on every balance-affecting mutation and backs the
// optimistic concurrency checks; status changes leave it untouched.
type Account struct {
	Id      string        `json:"id" dynamodbav:"id"`
	OwnerId string        `json:"owner_id" dynamodbav:"owner_id"`
	Balance int64         `json:"balance" dynamodbav:"balance"`
	Status  AccountStatus `json:"status" dynamodbav:"status"`
	Version int64         `json:"version" dynamodbav:"version"`
	// OpeningBalance is the balance the account was created with. The
	// ledger only records movements, so the auditability invariant is
	// Balance == OpeningBalance + sum of signed entries.
	OpeningBalance int64     `json:"opening_balance" dynamodbav:"opening_balance"`
	CreatedAt      time.Time `json:"created_at" dynamodbav:"created_at"`
}

// EntryDirection marks which leg of a transfer a ledger entry records.
type EntryDirection string

const (
	Debit  EntryDirection = "DEBIT"
	Credit EntryDirection = "CREDIT"
)

// LedgerEntry represents a single entry in the double-entry ledger.
// Entries are immutable once appended. SeqID is assigned by the backend
// and is strictly increasing, so it defines the ledger's order.
type LedgerEntry struct {
	EntryID          string         `json:"entry_id" dynamodbav:"entry_id"`
	SeqID            int64          `json:"seq_id" dynamodbav:"seq_id"`
	TransferID       string         `json:"transfer_id" dynamodbav:"transfer_id"`
	AccountID        string         `json:"account_id" dynamodbav:"account_id"`
	Direction        EntryDirection `json:"direction" dynamodbav:"direction"`
	Amount           int64          `json:"amount" dynamodbav:"amount"`
	ResultingBalance int64          `json:"resulting_balance" dynamodbav:"resulting_balance"`
	Timestamp        time.Time      `json:"timestamp" dynamodbav:"timestamp"`
	GSI1PK           string         `json:"-" dynamodbav:"gsi1pk"`
}

// SignedAmount returns the entry's effect on its account balance:
// negative for the debit leg, positive for the credit leg.
func (e LedgerEntry) SignedAmount() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// TransferStatus defines the terminal states of a transfer.
type TransferStatus string

const (
	TransferCommitted TransferStatus = "COMMITTED"
	TransferRejected  TransferStatus = "REJECTED"
)

// TransferResult is the outcome of a committed transfer. Transfers are
// not persisted as rows of their own; a committed transfer is
// reconstructable from its debit/credit entry pair.
type TransferResult struct {
	TransferID            string         `json:"transfer_id" dynamodbav:"transfer_id"`
	Status                TransferStatus `json:"status" dynamodbav:"status"`
	NewSourceBalance      int64          `json:"new_source_balance" dynamodbav:"new_source_balance"`
	NewDestinationBalance int64          `json:"new_destination_balance" dynamodbav:"new_destination_balance"`
	CompletedAt           time.Time      `json:"completed_at" dynamodbav:"completed_at"`
}
