package billing

// PlanID identifies a local subscription plan.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanPremium    PlanID = "premium"
	PlanEnterprise PlanID = "enterprise"
)

// Status represents the current state of a subscription record.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Outcome is the result of processing a billing event. Every outcome except
// a handler failure acknowledges the delivery; the distinction matters only
// for logging and the cached replay result.
type Outcome string

const (
	// OutcomeApplied means the event mutated the subscription record.
	OutcomeApplied Outcome = "applied"
	// OutcomeSuperseded means the event carried a sequence older than the
	// record's last applied event and was accepted as a no-op.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeIgnored means the event type is not one this engine applies.
	// Recorded for forward compatibility with provider schema additions.
	OutcomeIgnored Outcome = "ignored"
)

// Feature represents a plan capability flag.
type Feature string

const (
	FeatureAPI             Feature = "api"
	FeatureSSO             Feature = "sso"
	FeatureAnalytics       Feature = "analytics"
	FeaturePrioritySupport Feature = "priority_support"
	FeatureCustomDomain    Feature = "custom_domain"
	FeatureAuditLog        Feature = "audit_log"
)

// Money represents a monetary amount in the smallest currency unit,
// e.g. $10.99 USD is Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"`
}
