package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, providerSubID string) (*billing.RemoteSubscription, error) {
	args := m.Called(ctx, providerSubID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.RemoteSubscription), args.Error(1)
}

type mockAlerter struct {
	mock.Mock
}

func (m *mockAlerter) Alert(ctx context.Context, a billing.Alert) {
	m.Called(ctx, a)
}

type fakeDedup struct {
	mu      sync.Mutex
	entries map[string]billing.Outcome
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{entries: make(map[string]billing.Outcome)}
}

func (f *fakeDedup) Get(ctx context.Context, eventID string) (billing.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.entries[eventID]
	return out, ok
}

func (f *fakeDedup) Set(ctx context.Context, eventID string, outcome billing.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[eventID] = outcome
}

const premiumPriceRef = "pri_premium_monthly"

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	catalog, err := billing.NewCatalog(
		billing.Plan{ID: billing.PlanFree, Name: "Free"},
		billing.Plan{
			ID:       billing.PlanPremium,
			Name:     "Premium",
			PriceRef: premiumPriceRef,
			Price:    billing.Money{Amount: 1900, Currency: "USD"},
			Features: []billing.Feature{billing.FeatureAPI, billing.FeatureAnalytics},
		},
		billing.Plan{
			ID:       billing.PlanEnterprise,
			Name:     "Enterprise",
			PriceRef: "pri_enterprise_monthly",
			Price:    billing.Money{Amount: 9900, Currency: "USD"},
			Features: []billing.Feature{billing.FeatureAPI, billing.FeatureSSO, billing.FeatureAuditLog},
		},
	)
	require.NoError(t, err)
	return catalog
}

// bindUser runs EnsureBinding against the mock provider so tests start from
// a persisted binding and free record.
func bindUser(t *testing.T, svc *billing.Service, provider *mockProvider, userID uuid.UUID, customerID string) {
	t.Helper()
	provider.On("CreateCustomer", mock.Anything, userID, mock.Anything).Return(customerID, nil).Once()
	got, err := svc.EnsureBinding(context.Background(), userID, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, customerID, got)
}

func TestService_EnsureBinding(t *testing.T) {
	t.Parallel()

	t.Run("creates binding and free record on first call", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store)

		provider.On("CreateCustomer", mock.Anything, userID, "u@example.com").Return("ctm_123", nil).Once()

		customerID, err := svc.EnsureBinding(ctx, userID, "u@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ctm_123", customerID)

		binding, err := store.GetBinding(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "ctm_123", binding.ProviderCustomerID)

		sub, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanFree, sub.Plan)
		assert.Equal(t, billing.StatusInactive, sub.Status)
		assert.Empty(t, sub.ProviderSubID)
	})

	t.Run("is idempotent for an existing binding", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_abc")

		customerID, err := svc.EnsureBinding(ctx, userID, "u@example.com")
		require.NoError(t, err)
		assert.Equal(t, "ctm_abc", customerID)
		provider.AssertNumberOfCalls(t, "CreateCustomer", 1)
	})

	t.Run("concurrent first calls yield one binding", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store)

		provider.On("CreateCustomer", mock.Anything, userID, mock.Anything).Return("ctm_a", nil).Once()
		provider.On("CreateCustomer", mock.Anything, userID, mock.Anything).Return("ctm_b", nil).Once()

		results := make([]string, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := svc.EnsureBinding(ctx, userID, "u@example.com")
				require.NoError(t, err)
				results[i] = id
			}()
		}
		wg.Wait()

		binding, err := store.GetBinding(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, binding.ProviderCustomerID, results[0])
		assert.Equal(t, binding.ProviderCustomerID, results[1])
	})

	t.Run("provider failure leaves no local state", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store)

		provider.On("CreateCustomer", mock.Anything, userID, mock.Anything).
			Return("", assert.AnError).Once()

		_, err := svc.EnsureBinding(ctx, userID, "u@example.com")
		require.ErrorIs(t, err, billing.ErrProviderUnavailable)

		_, err = store.GetBinding(ctx, userID)
		assert.ErrorIs(t, err, billing.ErrNoBinding)
		_, err = svc.GetSubscription(ctx, userID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestService_StartCheckout(t *testing.T) {
	t.Parallel()

	t.Run("fails closed without a binding and makes no provider call", func(t *testing.T) {
		t.Parallel()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		_, err := svc.StartCheckout(context.Background(), uuid.New(), premiumPriceRef, "https://app.test/ok", "https://app.test/no")
		require.ErrorIs(t, err, billing.ErrNoBinding)
		provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("rejects price refs missing from the catalog", func(t *testing.T) {
		t.Parallel()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		_, err := svc.StartCheckout(context.Background(), uuid.New(), "pri_unknown", "https://app.test/ok", "https://app.test/no")
		require.ErrorIs(t, err, billing.ErrPlanNotFound)
		provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("returns the hosted session scoped to the bound customer", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_xyz")

		provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
			return req.CustomerID == "ctm_xyz" && req.PriceRef == premiumPriceRef && req.UserID == userID
		})).Return(&billing.CheckoutSession{
			URL:       "https://checkout.test/session",
			SessionID: "txn_1",
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil).Once()

		session, err := svc.StartCheckout(ctx, userID, premiumPriceRef, "https://app.test/ok", "https://app.test/no")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.test/session", session.URL)

		// Requesting a checkout never mutates the record; activation waits
		// for the completion event.
		sub, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanFree, sub.Plan)
		assert.Equal(t, billing.StatusInactive, sub.Status)
	})

	t.Run("surfaces provider failures as retryable", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_1")
		provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

		_, err := svc.StartCheckout(context.Background(), userID, premiumPriceRef, "", "")
		require.ErrorIs(t, err, billing.ErrProviderUnavailable)
	})
}

// deliver routes a canned event through HandleWebhook via the mocked parser.
func deliver(t *testing.T, svc *billing.Service, provider *mockProvider, event *billing.Event) (billing.Outcome, error) {
	t.Helper()
	provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).Return(event, nil).Once()
	return svc.HandleWebhook(context.Background(), []byte(`{}`), "sig")
}

func checkoutCompletedEvent(userID uuid.UUID, occurredAt time.Time) *billing.Event {
	periodEnd := occurredAt.AddDate(0, 1, 0)
	return &billing.Event{
		ID:               "evt_checkout_" + uuid.NewString(),
		Type:             billing.EventCheckoutCompleted,
		ProviderType:     "transaction.completed",
		OccurredAt:       occurredAt,
		UserID:           userID,
		SubscriptionID:   "sub_001",
		PriceRef:         premiumPriceRef,
		CurrentPeriodEnd: &periodEnd,
	}
}

func TestService_HandleWebhook(t *testing.T) {
	t.Parallel()

	baseTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("rejects invalid signatures without touching state", func(t *testing.T) {
		t.Parallel()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		provider.On("ParseWebhook", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, billing.ErrInvalidSignature).Once()

		_, err := svc.HandleWebhook(context.Background(), []byte(`{}`), "bad")
		require.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("activates the mapped plan on checkout completion", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store)

		bindUser(t, svc, provider, userID, "ctm_1")

		event := checkoutCompletedEvent(userID, baseTime)
		outcome, err := deliver(t, svc, provider, event)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, outcome)

		sub, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanPremium, sub.Plan)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Equal(t, "sub_001", sub.ProviderSubID)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.True(t, sub.CurrentPeriodEnd.Equal(baseTime.AddDate(0, 1, 0)))

		rec, err := store.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.NotNil(t, rec.AppliedAt)
		assert.Equal(t, billing.OutcomeApplied, rec.Outcome)
	})

	t.Run("replaying an event returns the cached outcome unchanged", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_1")

		event := checkoutCompletedEvent(userID, baseTime)
		first, err := deliver(t, svc, provider, event)
		require.NoError(t, err)

		subBefore, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)

		second, err := deliver(t, svc, provider, event)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		subAfter, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subBefore, subAfter)
	})

	t.Run("older events are superseded no-ops", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_1")

		_, err := deliver(t, svc, provider, checkoutCompletedEvent(userID, baseTime))
		require.NoError(t, err)

		// Sequence 10: active.
		outcome, err := deliver(t, svc, provider, &billing.Event{
			ID:             "evt_seq10",
			Type:           billing.EventSubscriptionUpdated,
			ProviderType:   "subscription.updated",
			OccurredAt:     baseTime.Add(10 * time.Second),
			SubscriptionID: "sub_001",
			Status:         billing.StatusActive,
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, outcome)

		// Sequence 5 arrives afterwards: redelivery does not imply recency.
		outcome, err = deliver(t, svc, provider, &billing.Event{
			ID:             "evt_seq5",
			Type:           billing.EventSubscriptionUpdated,
			ProviderType:   "subscription.updated",
			OccurredAt:     baseTime.Add(5 * time.Second),
			SubscriptionID: "sub_001",
			Status:         billing.StatusPastDue,
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeSuperseded, outcome)

		sub, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
	})

	t.Run("updates apply status, period end and cancellation flag", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore())

		bindUser(t, svc, provider, userID, "ctm_1")
		_, err := deliver(t, svc, provider, checkoutCompletedEvent(userID, baseTime))
		require.NoError(t, err)

		newPeriodEnd := baseTime.AddDate(0, 2, 0)
		outcome, err := deliver(t, svc, provider, &billing.Event{
			ID:                "evt_update",
			Type:              billing.EventSubscriptionUpdated,
			ProviderType:      "subscription.updated",
			OccurredAt:        baseTime.Add(time.Minute),
			SubscriptionID:    "sub_001",
			Status:            billing.StatusActive,
			CurrentPeriodEnd:  &newPeriodEnd,
			CancelAtPeriodEnd: true,
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, outcome)

		sub, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.True(t, sub.CancelAtPeriodEnd)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.True(t, sub.CurrentPeriodEnd.Equal(newPeriodEnd))
	})

	t.Run("unknown event types ack without applying", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		userID := uuid.New()
		provider := &mockProvider{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store)

		bindUser(t, svc, provider, userID, "ctm_1")
		subBefore, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)

		outcome, err := deliver(t, svc, provider, &billing.Event{
			ID:           "evt_future",
			Type:         billing.EventUnknown,
			ProviderType: "adjustment.created",
			OccurredAt:   baseTime,
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeIgnored, outcome)

		subAfter, err := svc.GetSubscription(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subBefore, subAfter)

		// Recorded as received for forward compatibility.
		rec, err := store.GetEvent(ctx, "evt_future")
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeIgnored, rec.Outcome)
	})

	t.Run("events for unknown subscriptions stay unapplied and alert", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		provider := &mockProvider{}
		alerter := &mockAlerter{}
		store := billing.NewMemStore()
		svc := billing.NewService(testCatalog(t), provider, store, billing.WithAlerter(alerter))

		alerter.On("Alert", mock.Anything, mock.MatchedBy(func(a billing.Alert) bool {
			return a.EventID == "evt_orphan" && a.ProviderSubID == "sub_ghost"
		})).Once()

		_, err := deliver(t, svc, provider, &billing.Event{
			ID:             "evt_orphan",
			Type:           billing.EventSubscriptionDeleted,
			ProviderType:   "subscription.canceled",
			OccurredAt:     baseTime,
			SubscriptionID: "sub_ghost",
		})
		require.ErrorIs(t, err, billing.ErrUnknownSubscription)
		alerter.AssertExpectations(t)

		// Left unrecorded so redelivery can retry once resolved.
		_, err = store.GetEvent(ctx, "evt_orphan")
		assert.ErrorIs(t, err, billing.ErrEventNotFound)
	})

	t.Run("dedup cache hit short-circuits the store", func(t *testing.T) {
		t.Parallel()
		provider := &mockProvider{}
		cache := newFakeDedup()
		cache.Set(context.Background(), "evt_cached", billing.OutcomeApplied)
		svc := billing.NewService(testCatalog(t), provider, billing.NewMemStore(), billing.WithDedupCache(cache))

		outcome, err := deliver(t, svc, provider, &billing.Event{
			ID:           "evt_cached",
			Type:         billing.EventSubscriptionUpdated,
			ProviderType: "subscription.updated",
			OccurredAt:   baseTime,
			// No matching record exists; a cache miss would error.
			SubscriptionID: "sub_none",
		})
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeApplied, outcome)
	})
}

func TestService_FullLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	userID := uuid.New()
	provider := &mockProvider{}
	store := billing.NewMemStore()
	svc := billing.NewService(testCatalog(t), provider, store)

	// No binding yet.
	_, err := svc.GetSubscription(ctx, userID)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	// First billing interaction creates binding and free record.
	bindUser(t, svc, provider, userID, "ctm_life")
	sub, err := svc.GetSubscription(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, billing.PlanFree, sub.Plan)
	require.Equal(t, billing.StatusInactive, sub.Status)

	// Checkout returns a redirect handle.
	provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).Return(&billing.CheckoutSession{
		URL:       "https://checkout.test/life",
		SessionID: "txn_life",
	}, nil).Once()
	session, err := svc.StartCheckout(ctx, userID, premiumPriceRef, "https://app.test/ok", "https://app.test/no")
	require.NoError(t, err)
	require.NotEmpty(t, session.URL)

	// Completion event activates premium.
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	periodEnd := start.AddDate(0, 1, 0)
	outcome, err := deliver(t, svc, provider, &billing.Event{
		ID:               "evt_life_checkout",
		Type:             billing.EventCheckoutCompleted,
		ProviderType:     "transaction.completed",
		OccurredAt:       start,
		UserID:           userID,
		SubscriptionID:   "sub_life",
		PriceRef:         premiumPriceRef,
		CurrentPeriodEnd: &periodEnd,
	})
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeApplied, outcome)

	sub, err = svc.GetSubscription(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, billing.PlanPremium, sub.Plan)
	require.Equal(t, billing.StatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	require.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))

	// Cancellation drops back to free and clears the live linkage.
	outcome, err = deliver(t, svc, provider, &billing.Event{
		ID:             "evt_life_cancel",
		Type:           billing.EventSubscriptionDeleted,
		ProviderType:   "subscription.canceled",
		OccurredAt:     start.AddDate(0, 1, 1),
		SubscriptionID: "sub_life",
	})
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeApplied, outcome)

	sub, err = svc.GetSubscription(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, billing.PlanFree, sub.Plan)
	require.Equal(t, billing.StatusCanceled, sub.Status)
	require.Empty(t, sub.ProviderSubID)
	require.Nil(t, sub.CurrentPeriodEnd)
}
