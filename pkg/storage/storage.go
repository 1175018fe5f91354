package storage

// Storage defines the root interface for the entire data layer.
// It composes all available storage operations. Components should depend
// on the granular interfaces (AccountStore, Ledger, IdempotencyStore)
// instead of this one wherever they can.
type Storage interface {
	AccountStore
	Ledger
	IdempotencyStore
}
