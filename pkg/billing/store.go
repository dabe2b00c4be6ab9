package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for bindings, subscription records and
// the billing event log. Implementations must make CreateBinding an atomic
// compare-and-create and ApplyEvent a single transactional unit per user.
type Store interface {
	// GetBinding returns the customer binding for a user.
	// Returns ErrNoBinding if none exists.
	GetBinding(ctx context.Context, userID uuid.UUID) (*CustomerBinding, error)

	// CreateBinding persists a binding together with its initial
	// subscription record, atomically. Returns ErrBindingExists when a
	// binding for the user already exists; the caller re-reads and uses
	// the winner's binding.
	CreateBinding(ctx context.Context, binding *CustomerBinding, sub *Subscription) error

	// GetSubscription returns the subscription record for a user.
	// Returns ErrSubscriptionNotFound if none exists.
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// ApplyEvent runs fn inside a transaction that also records the event.
	// Semantics:
	//   - If rec.EventID is already in the log, fn is not called and the
	//     stored outcome is returned (idempotent replay).
	//   - If fn returns an error, nothing is persisted: the event stays
	//     unrecorded so redelivery can retry it.
	//   - Otherwise the event is recorded as applied with fn's outcome in
	//     the same transaction as any subscription writes fn performed.
	ApplyEvent(ctx context.Context, rec EventRecord, fn ApplyFunc) (Outcome, error)

	// GetEvent returns a recorded event log entry.
	// Returns ErrEventNotFound if the event was never recorded.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)

	// ListStale returns up to limit subscriptions whose records were last
	// updated before the cutoff, for the reconciliation sweep.
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]Subscription, error)
}

// ApplyFunc performs the state transition for one event against a
// transactional view of the store. The subscription rows it touches are
// locked until the enclosing transaction commits.
type ApplyFunc func(ctx context.Context, tx Tx) (Outcome, error)

// Tx is the transactional view handed to ApplyFunc.
type Tx interface {
	// SubscriptionByUser loads and locks a user's subscription record.
	// Returns ErrSubscriptionNotFound if none exists.
	SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// SubscriptionByProviderID loads and locks the record linked to a
	// provider subscription ID. Returns ErrSubscriptionNotFound when no
	// record carries that linkage.
	SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)

	// SaveSubscription writes the record back within the transaction.
	SaveSubscription(ctx context.Context, sub *Subscription) error
}
