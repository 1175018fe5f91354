// Package audit publishes administrative and integrity events to an
// operator-visible channel.
package audit

import (
	"context"
	"time"
)

// Action identifies what an audit event records.
type Action string

const (
	ActionAccountCreated      Action = "ACCOUNT_CREATED"
	ActionFreeze              Action = "ACCOUNT_FROZEN"
	ActionUnfreeze            Action = "ACCOUNT_UNFROZEN"
	ActionClose               Action = "ACCOUNT_CLOSED"
	ActionReconciliationDrift Action = "RECONCILIATION_DRIFT"
)

// Event is one auditable occurrence. Actor is an opaque, already
// authenticated identity supplied by the caller.
type Event struct {
	EventID   string    `json:"event_id"`
	Action    Action    `json:"action"`
	AccountID string    `json:"account_id"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher defines the interface for a component that delivers audit
// events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
