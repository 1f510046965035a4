package routing

import (
	"fmt"

	"github.com/vnmchuo/advisor-gateway/internal/classify"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

// Selector picks a concrete model for a feature under a plan.
type Selector struct {
	catalog *Catalog
	prices  *pricing.Table
}

func NewSelector(catalog *Catalog, prices *pricing.Table) *Selector {
	return &Selector{catalog: catalog, prices: prices}
}

func (s *Selector) Catalog() *Catalog { return s.catalog }

// SelectModel resolves (feature, plan, complexity) to exactly one model or
// one of ErrUnknownFeature / ErrPlanNotEntitled.
func (s *Selector) SelectModel(feature string, plan tenant.Plan, complexity classify.Complexity) (string, error) {
	tier, err := s.catalog.TierFor(feature)
	if err != nil {
		return "", err
	}
	return s.selectInTier(tier, plan, complexity)
}

func (s *Selector) selectInTier(tier *Tier, plan tenant.Plan, complexity classify.Complexity) (string, error) {
	best := tier.Models[0]
	cheapest := s.prices.Cheapest(tier.Models)

	switch plan {
	case tenant.PlanFree:
		if tier.Name != Processing {
			return "", &PlanNotEntitledError{Plan: plan, Tier: tier.Name}
		}
		return cheapest, nil
	case tenant.PlanStandard:
		return cheapest, nil
	case tenant.PlanPro:
		if tier.Name == Communication && complexity == classify.Simple {
			return cheapest, nil
		}
		if tier.Name == Reasoning {
			return s.proReasoningModel(tier), nil
		}
		return best, nil
	case tenant.PlanEnterprise:
		return best, nil
	}
	return "", fmt.Errorf("%w: unknown plan %q", ErrPlanNotEntitled, plan)
}

// proReasoningModel is the most capable reasoning model priced strictly below
// the enterprise pick. A single-model tier has nothing cheaper to offer.
func (s *Selector) proReasoningModel(tier *Tier) string {
	best := tier.Models[0]
	bestRate, ok := s.prices.Rate(best)
	if !ok {
		return best
	}
	for _, m := range tier.Models[1:] {
		if r, ok := s.prices.Rate(m); ok && r.PerToken() < bestRate.PerToken() {
			return m
		}
	}
	return best
}

// TranslationModel is the strongest communication model the plan may use.
func (s *Selector) TranslationModel(plan tenant.Plan) (string, error) {
	tier, ok := s.catalog.Tier(Communication)
	if !ok {
		return "", fmt.Errorf("%w: no %s tier", ErrUnknownFeature, Communication)
	}
	return s.selectInTier(tier, plan, classify.Complex)
}

// Fallback returns the model to retry with once the primary has failed. It
// is never the primary itself unless the tier has no alternative.
func (s *Selector) Fallback(feature, primary string) (string, error) {
	tier, err := s.catalog.TierFor(feature)
	if err != nil {
		return "", err
	}
	if tier.Fallback != "" && tier.Fallback != primary {
		return tier.Fallback, nil
	}
	for _, m := range s.prices.ByPrice(tier.Models) {
		if m != primary {
			return m, nil
		}
	}
	return primary, nil
}
