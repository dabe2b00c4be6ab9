package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the canonical local record of a user's plan, status and
// renewal boundary. Exactly one record exists per user, created together
// with the customer binding and mutated only by the event dispatcher.
type Subscription struct {
	UserID            uuid.UUID
	Plan              PlanID
	Status            Status
	ProviderSubID     string // provider's subscription ID, "" until the first paid checkout completes
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	// LastEventAt is the provider-assigned sequence of the last applied
	// event. Events older than this are accepted as superseded no-ops.
	LastEventAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsPastDue() bool {
	return s.Status == StatusPastDue
}

func (s *Subscription) IsCanceled() bool {
	return s.Status == StatusCanceled
}

// IsPaid reports whether the record is linked to a live provider subscription.
func (s *Subscription) IsPaid() bool {
	return s.ProviderSubID != ""
}

// RenewsAt returns the renewal boundary, or the zero time when the record
// has no meaningful period (free or never activated).
func (s *Subscription) RenewsAt() time.Time {
	if s.CurrentPeriodEnd == nil {
		return time.Time{}
	}
	return *s.CurrentPeriodEnd
}

// CustomerBinding is the durable association between a local user and the
// billing provider's customer identifier. Created lazily on first billing
// interaction, never deleted; a provider reissuing an identifier is treated
// as an update.
type CustomerBinding struct {
	UserID             uuid.UUID
	ProviderCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EventRecord is a billing event log entry. EventID is unique; reprocessing
// a recorded event returns its stored outcome instead of reapplying the
// transition.
type EventRecord struct {
	EventID    string
	Type       string // provider's original event type
	OccurredAt time.Time
	ReceivedAt time.Time
	AppliedAt  *time.Time // nil until successfully processed
	Outcome    Outcome
}
