// Package billing keeps a locally-owned subscription record consistent with
// the state held by an external billing provider, despite duplicate,
// out-of-order, and partially-failed event delivery.
//
// Two systems of record are involved: the local database and the provider's
// ledger. The provider pushes notifications at-least-once, possibly
// concurrently and reordered, while users mutate state synchronously through
// checkout. The engine converges them with three mechanisms:
//
//   - an event log keyed by the provider's event ID, so replays return the
//     previously computed outcome instead of reapplying the transition
//   - a per-record sequence (the provider's event-creation timestamp): an
//     event older than the record's last applied sequence is accepted as an
//     already-superseded no-op, since redelivery does not imply recency
//   - transactional application: the subscription write and the event log
//     entry commit together, and a handler failure leaves the event
//     unrecorded so the provider's redelivery retries it
//
// # Usage
//
//	catalog, err := billing.NewCatalog(
//		billing.Plan{ID: billing.PlanFree, Name: "Free"},
//		billing.Plan{ID: billing.PlanPremium, Name: "Premium", PriceRef: "pri_01abc"},
//	)
//	if err != nil {
//		return err
//	}
//
//	provider, err := billing.NewPaddleProvider(paddleCfg)
//	if err != nil {
//		return err
//	}
//
//	svc := billing.NewService(catalog, provider, billing.NewPGStore(pool),
//		billing.WithLogger(log),
//		billing.WithDedupCache(billing.NewRedisDedup(redisClient, 72*time.Hour)),
//	)
//
//	r.Mount("/billing", billing.Router(svc))
//
// The checkout flow is two calls: EnsureBinding mints the provider customer
// and the initial free record, StartCheckout returns the hosted redirect.
// Neither touches subscription state; the record changes only when the
// provider's completion event arrives through the webhook endpoint.
//
// An optional Reconciler sweeps records that have not seen an event in a
// while and applies any drift against a fresh provider read, using the same
// sequence-gated path as the dispatcher.
package billing
