package routing

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

var (
	ErrUnknownFeature  = errors.New("unknown feature")
	ErrPlanNotEntitled = errors.New("plan not entitled")
)

// PlanNotEntitledError reports a plan that cannot use a tier.
type PlanNotEntitledError struct {
	Plan tenant.Plan
	Tier TierName
}

func (e *PlanNotEntitledError) Error() string {
	return fmt.Sprintf("plan %s is not entitled to the %s tier", e.Plan, e.Tier)
}

func (e *PlanNotEntitledError) Is(target error) bool {
	return target == ErrPlanNotEntitled
}
