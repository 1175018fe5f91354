package storage

import (
	"context"

	"github.com/chris/bank-ledger-core/pkg/models"
)

// IdempotencyStore records transfer outcomes keyed by client-supplied
// idempotency keys, so a retried request cannot double-apply. A key is
// reserved before the commit begins, completed with the result on
// success, and released on rejection so a later retry is not poisoned.
type IdempotencyStore interface {
	// ReserveIdempotencyKey atomically claims key for the calling
	// transfer. If the key already produced a committed result, that
	// result is returned and acquired is false. If another transfer
	// holds a pending reservation, both return values are empty.
	ReserveIdempotencyKey(ctx context.Context, key string) (prior *models.TransferResult, acquired bool, err error)

	// CompleteIdempotencyKey records the committed result for a reserved key.
	CompleteIdempotencyKey(ctx context.Context, key string, result *models.TransferResult) error

	// ReleaseIdempotencyKey drops a reservation whose transfer was rejected.
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}
