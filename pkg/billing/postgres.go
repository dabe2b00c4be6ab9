package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// PGStore is the Postgres-backed Store. Binding creation relies on the
// user_id primary key for the compare-and-create, and event application
// runs as one transaction: event insert, row lock, transition, commit.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a connection pool. The schema comes from the goose
// migrations under migrations/.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PGStore{pool: pool}
}

func (s *PGStore) GetBinding(ctx context.Context, userID uuid.UUID) (*CustomerBinding, error) {
	var b CustomerBinding
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, provider_customer_id, created_at, updated_at
		 FROM customer_bindings WHERE user_id = $1`, userID).
		Scan(&b.UserID, &b.ProviderCustomerID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNoBinding
		}
		return nil, fmt.Errorf("query binding: %w", err)
	}
	return &b, nil
}

func (s *PGStore) CreateBinding(ctx context.Context, binding *CustomerBinding, sub *Subscription) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx,
		`INSERT INTO customer_bindings (user_id, provider_customer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		binding.UserID, binding.ProviderCustomerID, binding.CreatedAt, binding.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrBindingExists
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO subscriptions
		   (user_id, plan, status, provider_sub_id, cancel_at_period_end, last_event_at, created_at, updated_at)
		 VALUES ($1, $2, $3, '', FALSE, $4, $5, $6)`,
		sub.UserID, sub.Plan, sub.Status, sub.LastEventAt, sub.CreatedAt, sub.UpdatedAt); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

func (s *PGStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	var rec EventRecord
	var outcome *string
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, occurred_at, received_at, applied_at, outcome
		 FROM billing_events WHERE event_id = $1`, eventID).
		Scan(&rec.EventID, &rec.Type, &rec.OccurredAt, &rec.ReceivedAt, &rec.AppliedAt, &outcome)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("query event: %w", err)
	}
	if outcome != nil {
		rec.Outcome = Outcome(*outcome)
	}
	return &rec, nil
}

func (s *PGStore) ApplyEvent(ctx context.Context, rec EventRecord, fn ApplyFunc) (Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent delivery of the same event blocks here on the primary
	// key until the first transaction resolves; zero rows affected then
	// means the event committed with an outcome already.
	ct, err := tx.Exec(ctx,
		`INSERT INTO billing_events (event_id, event_type, occurred_at, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.Type, rec.OccurredAt, rec.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	if ct.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		existing, err := s.GetEvent(ctx, rec.EventID)
		if err != nil {
			return "", fmt.Errorf("read replayed event: %w", err)
		}
		return existing.Outcome, nil
	}

	outcome, err := fn(ctx, &pgTx{tx: tx})
	if err != nil {
		// Rollback drops the event row too, leaving the delivery
		// unrecorded so the provider retries it.
		return "", err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE billing_events SET applied_at = $2, outcome = $3 WHERE event_id = $1`,
		rec.EventID, time.Now().UTC(), string(outcome)); err != nil {
		return "", fmt.Errorf("mark event applied: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

func (s *PGStore) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		subscriptionColumns+` FROM subscriptions
		 WHERE updated_at < $1 ORDER BY updated_at ASC LIMIT $2`,
		updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale subscriptions: %w", err)
	}
	return subs, nil
}

const subscriptionColumns = `SELECT user_id, plan, status, provider_sub_id,
	current_period_end, cancel_at_period_end, last_event_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.UserID, &sub.Plan, &sub.Status, &sub.ProviderSubID,
		&sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.LastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// pgTx implements Tx over a pgx transaction. Row locks taken here hold
// until ApplyEvent commits or rolls back.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SubscriptionByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := scanSubscription(t.tx.QueryRow(ctx,
		subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("lock subscription: %w", err)
	}
	return sub, nil
}

func (t *pgTx) SubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	if providerSubID == "" {
		return nil, ErrSubscriptionNotFound
	}
	sub, err := scanSubscription(t.tx.QueryRow(ctx,
		subscriptionColumns+` FROM subscriptions WHERE provider_sub_id = $1 FOR UPDATE`, providerSubID))
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("lock subscription by provider ID: %w", err)
	}
	return sub, nil
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *Subscription) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET
		   plan = $2, status = $3, provider_sub_id = $4, current_period_end = $5,
		   cancel_at_period_end = $6, last_event_at = $7, updated_at = $8
		 WHERE user_id = $1`,
		sub.UserID, sub.Plan, sub.Status, sub.ProviderSubID, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.LastEventAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return errors.Join(ErrSubscriptionNotFound, fmt.Errorf("user %s", sub.UserID))
	}
	return nil
}
