package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider defines the minimal surface this engine needs from the external
// billing system. Implementations use the provider's official SDK and keep
// provider quirks (signature schemes, payload shapes, ID formats) internal.
// All blocking calls must respect the passed context.
type Provider interface {
	// CreateCustomer mints a provider customer for a local user and returns
	// the provider's customer identifier.
	CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)

	// CreateCheckoutSession requests a hosted checkout scoped to the bound
	// customer. The local user ID travels as opaque session metadata so the
	// completion event can be correlated without a separate lookup.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// ParseWebhook verifies the payload signature and normalizes the event.
	// Returns ErrInvalidSignature when authenticity cannot be established;
	// this is a security boundary, not a retry case.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)

	// GetSubscription reads the provider's current view of a subscription.
	// Used by the reconciliation sweep, never on request-serving paths.
	GetSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error)
}

// CheckoutRequest carries everything needed to open a hosted checkout.
type CheckoutRequest struct {
	CustomerID string // provider's customer identifier from the binding
	PriceRef   string // provider's price identifier for the target plan
	UserID     uuid.UUID
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the opaque redirect handle returned by the provider.
// It carries no promise of payment; the authoritative state change arrives
// later through the notification stream.
type CheckoutSession struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// EventType is the normalized billing event type.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	// EventUnknown marks provider event types this engine does not apply.
	EventUnknown EventType = "unknown"
)

// Event is a verified, normalized provider notification.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string // original provider event name, kept for the log
	// OccurredAt is the provider's event-creation timestamp, used as the
	// ordering sequence for conflict resolution.
	OccurredAt        time.Time
	UserID            uuid.UUID // from session metadata; zero when absent
	SubscriptionID    string    // provider's subscription ID
	Status            Status
	PriceRef          string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	Raw               map[string]any
}

// RemoteSubscription is the provider's authoritative view of one
// subscription, as read during a reconciliation sweep.
type RemoteSubscription struct {
	ProviderSubID     string
	Status            Status
	PriceRef          string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	ReadAt            time.Time
}
