package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store used in tests and as the reference for the
// store contract. A single mutex serializes event application, which is
// stricter than the per-user locking the Postgres store provides but
// observationally equivalent.
type memStore struct {
	mu       sync.Mutex
	bindings map[uuid.UUID]CustomerBinding
	subs     map[uuid.UUID]Subscription
	byProvID map[string]uuid.UUID
	events   map[string]EventRecord
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() Store {
	return &memStore{
		bindings: make(map[uuid.UUID]CustomerBinding),
		subs:     make(map[uuid.UUID]Subscription),
		byProvID: make(map[string]uuid.UUID),
		events:   make(map[string]EventRecord),
	}
}

func (m *memStore) GetBinding(ctx context.Context, userID uuid.UUID) (*CustomerBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	binding, ok := m.bindings[userID]
	if !ok {
		return nil, ErrNoBinding
	}
	return &binding, nil
}

func (m *memStore) CreateBinding(ctx context.Context, binding *CustomerBinding, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bindings[binding.UserID]; exists {
		return ErrBindingExists
	}

	m.bindings[binding.UserID] = *binding
	m.subs[sub.UserID] = *sub
	return nil
}

func (m *memStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (m *memStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &rec, nil
}

func (m *memStore) ApplyEvent(ctx context.Context, rec EventRecord, fn ApplyFunc) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[rec.EventID]; ok {
		return existing.Outcome, nil
	}

	// Stage writes so a failing fn leaves neither the event nor the
	// subscription behind, mirroring a rolled-back transaction.
	tx := &memTx{store: m, staged: make(map[uuid.UUID]Subscription)}

	outcome, err := fn(ctx, tx)
	if err != nil {
		return "", err
	}

	for userID, sub := range tx.staged {
		if old, ok := m.subs[userID]; ok && old.ProviderSubID != "" && old.ProviderSubID != sub.ProviderSubID {
			delete(m.byProvID, old.ProviderSubID)
		}
		m.subs[userID] = sub
		if sub.ProviderSubID != "" {
			m.byProvID[sub.ProviderSubID] = userID
		}
	}

	appliedAt := time.Now().UTC()
	rec.AppliedAt = &appliedAt
	rec.Outcome = outcome
	m.events[rec.EventID] = rec

	return outcome, nil
}

func (m *memStore) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []Subscription
	for _, sub := range m.subs {
		if sub.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, sub)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// memTx reads through to the store (the caller holds its mutex) and stages
// writes until ApplyEvent commits them.
type memTx struct {
	store  *memStore
	staged map[uuid.UUID]Subscription
}

func (t *memTx) SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if sub, ok := t.staged[userID]; ok {
		return &sub, nil
	}
	sub, ok := t.store.subs[userID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (t *memTx) SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	for _, sub := range t.staged {
		if sub.ProviderSubID == providerSubID {
			return &sub, nil
		}
	}
	userID, ok := t.store.byProvID[providerSubID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	sub := t.store.subs[userID]
	return &sub, nil
}

func (t *memTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	t.staged[sub.UserID] = *sub
	return nil
}
