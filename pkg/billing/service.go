package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the subscription lifecycle engine. It owns the only write path
// to the subscription record: the checkout call merely requests a payment,
// and every state transition arrives through HandleWebhook.
type Service struct {
	catalog  *Catalog
	provider Provider
	store    Store

	dedup   DedupCache
	alerter Alerter
	log     *slog.Logger

	callTimeout time.Duration
	now         func() time.Time
}

// NewService wires the engine. Panics on nil required dependencies to fail
// fast during initialization instead of at first request.
func NewService(catalog *Catalog, provider Provider, store Store, opts ...ServiceOption) *Service {
	if catalog == nil {
		panic("billing: catalog is required")
	}
	if provider == nil {
		panic("billing: provider is required")
	}
	if store == nil {
		panic("billing: store is required")
	}

	s := &Service{
		catalog:     catalog,
		provider:    provider,
		store:       store,
		log:         slog.New(discardHandler{}),
		callTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// EnsureBinding returns the provider customer ID bound to the user, minting
// a provider customer and the initial free subscription record on first
// call. Safe under concurrent first-calls: the store enforces uniqueness on
// the user ID and the loser re-reads the winner's binding.
func (s *Service) EnsureBinding(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	if binding, err := s.store.GetBinding(ctx, userID); err == nil {
		return binding.ProviderCustomerID, nil
	} else if !errors.Is(err, ErrNoBinding) {
		return "", fmt.Errorf("lookup binding for %s: %w", userID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	customerID, err := s.provider.CreateCustomer(callCtx, userID, email)
	if err != nil {
		return "", errors.Join(ErrProviderUnavailable, err)
	}

	now := s.now()
	binding := &CustomerBinding{
		UserID:             userID,
		ProviderCustomerID: customerID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	sub := &Subscription{
		UserID:    userID,
		Plan:      PlanFree,
		Status:    StatusInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateBinding(ctx, binding, sub); err != nil {
		if errors.Is(err, ErrBindingExists) {
			// Lost the creation race; the provider customer minted above is
			// abandoned remotely and the winner's binding is authoritative.
			winner, readErr := s.store.GetBinding(ctx, userID)
			if readErr != nil {
				return "", fmt.Errorf("re-read binding for %s: %w", userID, readErr)
			}
			s.log.InfoContext(ctx, "binding race lost, reusing existing binding",
				slog.String("user_id", userID.String()))
			return winner.ProviderCustomerID, nil
		}
		return "", fmt.Errorf("create binding for %s: %w", userID, err)
	}

	return customerID, nil
}

// StartCheckout requests a hosted checkout session for the plan bound to
// priceRef. Fails closed with ErrNoBinding when the user has no customer
// binding; no provider call is made in that case. The subscription record
// is not touched here: activation happens when the completion event lands.
func (s *Service) StartCheckout(ctx context.Context, userID uuid.UUID, priceRef, successURL, cancelURL string) (*CheckoutSession, error) {
	plan, ok := s.catalog.ByPriceRef(priceRef)
	if !ok {
		return nil, fmt.Errorf("%w: price ref %q", ErrPlanNotFound, priceRef)
	}

	binding, err := s.store.GetBinding(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoBinding) {
			return nil, ErrNoBinding
		}
		return nil, fmt.Errorf("lookup binding for %s: %w", userID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	session, err := s.provider.CreateCheckoutSession(callCtx, CheckoutRequest{
		CustomerID: binding.ProviderCustomerID,
		PriceRef:   plan.PriceRef,
		UserID:     userID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return nil, errors.Join(ErrProviderUnavailable, err)
	}

	return session, nil
}

// GetSubscription is the read interface for the rest of the application.
// Read-only, no side effects, safe to call on every request.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.store.GetSubscription(ctx, userID)
}

// HandleWebhook processes one inbound provider notification: verify
// authenticity, deduplicate by event ID, route by type, and commit the
// transition together with the event log entry in one transaction.
//
// Delivery is at-least-once and possibly concurrent and reordered; the
// handler is reentrant for the same event and gates every transition on the
// event sequence.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := s.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		return "", err
	}

	if s.dedup != nil {
		if outcome, ok := s.dedup.Get(ctx, event.ID); ok {
			s.log.DebugContext(ctx, "event already processed, cache hit",
				slog.String("event_id", event.ID))
			return outcome, nil
		}
	}

	rec := EventRecord{
		EventID:    event.ID,
		Type:       event.ProviderType,
		OccurredAt: event.OccurredAt,
		ReceivedAt: s.now(),
	}

	outcome, err := s.store.ApplyEvent(ctx, rec, func(ctx context.Context, tx Tx) (Outcome, error) {
		return s.apply(ctx, tx, event)
	})
	if err != nil {
		if errors.Is(err, ErrUnknownSubscription) {
			s.log.ErrorContext(ctx, "event targets unknown subscription, left unapplied",
				slog.String("event_id", event.ID),
				slog.String("event_type", event.ProviderType),
				slog.String("provider_sub_id", event.SubscriptionID))
			if s.alerter != nil {
				s.alerter.Alert(ctx, Alert{
					EventID:       event.ID,
					EventType:     event.ProviderType,
					ProviderSubID: event.SubscriptionID,
					OccurredAt:    event.OccurredAt,
					Reason:        "no local subscription matches the event target",
				})
			}
		}
		return "", err
	}

	if s.dedup != nil {
		s.dedup.Set(ctx, event.ID, outcome)
	}

	s.log.InfoContext(ctx, "billing event processed",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.ProviderType),
		slog.String("outcome", string(outcome)))

	return outcome, nil
}

// apply routes a verified event to its transition inside the store
// transaction. Ordering policy: last writer wins by provider sequence,
// never by arrival time; an event older than the record's last applied
// sequence is a superseded no-op.
func (s *Service) apply(ctx context.Context, tx Tx, event *Event) (Outcome, error) {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, tx, event)
	case EventSubscriptionUpdated:
		return s.applySubscriptionUpdated(ctx, tx, event)
	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, tx, event)
	default:
		// Forward-compatible no-op: recorded as received, not applied.
		return OutcomeIgnored, nil
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, tx Tx, event *Event) (Outcome, error) {
	if event.UserID == uuid.Nil {
		return "", fmt.Errorf("%w: checkout event %s carries no user metadata", ErrInvalidPayload, event.ID)
	}

	sub, err := tx.SubscriptionByUser(ctx, event.UserID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return "", fmt.Errorf("%w: user %s from checkout metadata", ErrUnknownSubscription, event.UserID)
		}
		return "", err
	}

	if event.OccurredAt.Before(sub.LastEventAt) {
		return OutcomeSuperseded, nil
	}

	plan, ok := s.catalog.ByPriceRef(event.PriceRef)
	if !ok {
		// Catalog gap, not a stale event: leave unapplied so redelivery
		// succeeds once the catalog carries the price.
		return "", fmt.Errorf("%w: price ref %q from event %s", ErrPlanNotFound, event.PriceRef, event.ID)
	}

	sub.Plan = plan.ID
	sub.Status = StatusActive
	sub.ProviderSubID = event.SubscriptionID
	sub.CurrentPeriodEnd = event.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = false
	sub.LastEventAt = event.OccurredAt
	sub.UpdatedAt = s.now()

	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Service) applySubscriptionUpdated(ctx context.Context, tx Tx, event *Event) (Outcome, error) {
	sub, err := tx.SubscriptionByProviderID(ctx, event.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return "", fmt.Errorf("%w: provider subscription %s", ErrUnknownSubscription, event.SubscriptionID)
		}
		return "", err
	}

	if event.OccurredAt.Before(sub.LastEventAt) {
		return OutcomeSuperseded, nil
	}

	if plan, ok := s.catalog.ByPriceRef(event.PriceRef); ok {
		sub.Plan = plan.ID
	}
	if event.Status != "" {
		sub.Status = event.Status
	}
	sub.CurrentPeriodEnd = event.CurrentPeriodEnd
	sub.CancelAtPeriodEnd = event.CancelAtPeriodEnd
	sub.LastEventAt = event.OccurredAt
	sub.UpdatedAt = s.now()

	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, tx Tx, event *Event) (Outcome, error) {
	sub, err := tx.SubscriptionByProviderID(ctx, event.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return "", fmt.Errorf("%w: provider subscription %s", ErrUnknownSubscription, event.SubscriptionID)
		}
		return "", err
	}

	if event.OccurredAt.Before(sub.LastEventAt) {
		return OutcomeSuperseded, nil
	}

	sub.Plan = PlanFree
	sub.Status = StatusCanceled
	sub.ProviderSubID = "" // active linkage cleared; the event log retains history
	sub.CurrentPeriodEnd = nil
	sub.CancelAtPeriodEnd = false
	sub.LastEventAt = event.OccurredAt
	sub.UpdatedAt = s.now()

	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// discardHandler drops all records; the default until WithLogger is set.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
