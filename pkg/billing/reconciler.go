package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Reconciler is a defensive background sweep that compares local records
// against a provider read for subscriptions that have not seen an event in a
// while, and pushes any drift through the same sequence-gated apply path the
// dispatcher uses. It runs on its own cadence, fully decoupled from
// request-serving paths, touching one record at a time.
type Reconciler struct {
	svc *Service

	interval  time.Duration
	staleness time.Duration
	batchSize int
	log       *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithInterval sets the sweep cadence.
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithStaleness sets how long a record may go without updates before the
// sweep re-reads it from the provider.
func WithStaleness(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleness = d
		}
	}
}

// WithBatchSize caps how many records one sweep touches.
func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithReconcilerLogger sets the sweep's logger.
func WithReconcilerLogger(log *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// NewReconciler builds a sweep over the given service's store and provider.
func NewReconciler(svc *Service, opts ...ReconcilerOption) *Reconciler {
	if svc == nil {
		panic("billing: service is required")
	}

	r := &Reconciler{
		svc:       svc,
		interval:  time.Hour,
		staleness: 7 * 24 * time.Hour,
		batchSize: 50,
		log:       svc.log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on the configured cadence until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass. Failures on individual records
// are logged and skipped; the next pass picks them up again.
func (r *Reconciler) Sweep(ctx context.Context) {
	cutoff := r.svc.now().Add(-r.staleness)

	stale, err := r.svc.store.ListStale(ctx, cutoff, r.batchSize)
	if err != nil {
		r.log.ErrorContext(ctx, "reconciliation sweep failed to list records", slog.Any("error", err))
		return
	}

	for _, sub := range stale {
		if !sub.IsPaid() {
			continue
		}
		if err := r.reconcile(ctx, sub); err != nil {
			r.log.ErrorContext(ctx, "failed to reconcile subscription",
				slog.String("user_id", sub.UserID.String()),
				slog.String("provider_sub_id", sub.ProviderSubID),
				slog.Any("error", err))
		}
	}
}

// reconcile re-reads one subscription from the provider and, when the local
// record disagrees, applies the remote state as a synthetic update event
// sequenced at the read time. Events that arrived while the read was in
// flight win through the usual sequence gate.
func (r *Reconciler) reconcile(ctx context.Context, sub Subscription) error {
	callCtx, cancel := context.WithTimeout(ctx, r.svc.callTimeout)
	defer cancel()

	remote, err := r.svc.provider.GetSubscription(callCtx, sub.ProviderSubID)
	if err != nil {
		return fmt.Errorf("provider read: %w", err)
	}

	if !r.drifted(sub, remote) {
		return nil
	}

	r.log.WarnContext(ctx, "subscription drifted from provider state",
		slog.String("user_id", sub.UserID.String()),
		slog.String("provider_sub_id", sub.ProviderSubID),
		slog.String("local_status", string(sub.Status)),
		slog.String("remote_status", string(remote.Status)))

	event := &Event{
		ID:                "recon_" + uuid.NewString(),
		Type:              EventSubscriptionUpdated,
		ProviderType:      "reconciliation.sweep",
		OccurredAt:        remote.ReadAt,
		SubscriptionID:    remote.ProviderSubID,
		Status:            remote.Status,
		PriceRef:          remote.PriceRef,
		CurrentPeriodEnd:  remote.CurrentPeriodEnd,
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
	}
	rec := EventRecord{
		EventID:    event.ID,
		Type:       event.ProviderType,
		OccurredAt: event.OccurredAt,
		ReceivedAt: r.svc.now(),
	}

	_, err = r.svc.store.ApplyEvent(ctx, rec, func(ctx context.Context, tx Tx) (Outcome, error) {
		return r.svc.apply(ctx, tx, event)
	})
	return err
}

func (r *Reconciler) drifted(sub Subscription, remote *RemoteSubscription) bool {
	if sub.Status != remote.Status {
		return true
	}
	if sub.CancelAtPeriodEnd != remote.CancelAtPeriodEnd {
		return true
	}
	local, rem := sub.CurrentPeriodEnd, remote.CurrentPeriodEnd
	switch {
	case local == nil && rem == nil:
		return false
	case local == nil || rem == nil:
		return true
	default:
		return !local.Equal(*rem)
	}
}
