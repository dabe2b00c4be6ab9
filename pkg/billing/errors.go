package billing

import "errors"

var (
	// ErrNoBinding indicates the user has no customer binding yet.
	// Callers must run EnsureBinding before starting a checkout.
	ErrNoBinding      = errors.New("billing: no customer binding for user")
	ErrBindingExists  = errors.New("billing: customer binding already exists")
	ErrInvalidBinding = errors.New("billing: invalid customer binding")

	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	// ErrUnknownSubscription is returned when an inbound event references a
	// provider subscription this engine has no record of. The event is left
	// unapplied so redelivery can succeed once the inconsistency is resolved.
	ErrUnknownSubscription = errors.New("billing: event references unknown subscription")

	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")
	ErrInvalidPayload   = errors.New("billing: malformed webhook payload")

	// ErrProviderUnavailable wraps transport failures and timeouts on
	// outbound provider calls. Always retryable.
	ErrProviderUnavailable = errors.New("billing: provider unavailable")

	ErrPlanNotFound   = errors.New("billing: plan not found in catalog")
	ErrInvalidCatalog = errors.New("billing: invalid plan catalog")

	ErrEventNotFound = errors.New("billing: event not found")
)
