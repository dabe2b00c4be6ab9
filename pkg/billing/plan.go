package billing

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Plan describes a subscription plan. PriceRef holds the billing provider's
// price identifier for paid plans and is empty for the free plan; it is the
// key used to translate between provider events and local plan semantics.
type Plan struct {
	ID          PlanID    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	PriceRef    string    `yaml:"price_ref"`
	Price       Money     `yaml:"price"`
	Features    []Feature `yaml:"features"`
}

// IsPaid reports whether the plan requires a provider checkout.
func (p Plan) IsPaid() bool {
	return p.PriceRef != ""
}

// HasFeature reports whether the plan includes a capability.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// Catalog is the static mapping between local plans and provider price
// references. It is immutable after construction and safe for concurrent use.
type Catalog struct {
	byID       map[PlanID]Plan
	byPriceRef map[string]Plan
}

// NewCatalog builds a catalog from the given plans. A free plan must be
// present since canceled subscriptions fall back to it.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	if len(plans) == 0 {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("no plans provided"))
	}

	c := &Catalog{
		byID:       make(map[PlanID]Plan, len(plans)),
		byPriceRef: make(map[string]Plan, len(plans)),
	}

	for _, plan := range plans {
		if plan.ID == "" {
			return nil, errors.Join(ErrInvalidCatalog, errors.New("plan without ID"))
		}
		if _, exists := c.byID[plan.ID]; exists {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate plan %q", plan.ID))
		}
		if plan.IsPaid() {
			if _, exists := c.byPriceRef[plan.PriceRef]; exists {
				return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("duplicate price ref %q", plan.PriceRef))
			}
			c.byPriceRef[plan.PriceRef] = plan
		}
		c.byID[plan.ID] = plan
	}

	if _, exists := c.byID[PlanFree]; !exists {
		return nil, errors.Join(ErrInvalidCatalog, errors.New("free plan is required"))
	}

	return c, nil
}

// LoadCatalogFile reads a YAML plan list and builds a catalog from it.
//
// File format:
//
//	plans:
//	  - id: premium
//	    name: Premium
//	    price_ref: pri_01abc
//	    price: {amount: 1900, currency: USD}
//	    features: [api, analytics]
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	return NewCatalog(doc.Plans...)
}

// ByID returns the plan for a local plan ID.
func (c *Catalog) ByID(id PlanID) (Plan, bool) {
	plan, ok := c.byID[id]
	return plan, ok
}

// ByPriceRef returns the plan bound to a provider price identifier.
func (c *Catalog) ByPriceRef(ref string) (Plan, bool) {
	if ref == "" {
		return Plan{}, false
	}
	plan, ok := c.byPriceRef[ref]
	return plan, ok
}

// Plans returns all plans in the catalog in unspecified order.
func (c *Catalog) Plans() []Plan {
	plans := make([]Plan, 0, len(c.byID))
	for _, plan := range c.byID {
		plans = append(plans, plan)
	}
	return plans
}
