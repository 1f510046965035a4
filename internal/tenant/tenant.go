package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrOrganizationNotFound = errors.New("organization not found")

// Plan is the subscription level of an organization.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStandard   Plan = "standard"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Plans lists every plan from lowest to highest.
var Plans = []Plan{PlanFree, PlanStandard, PlanPro, PlanEnterprise}

func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanFree, PlanStandard, PlanPro, PlanEnterprise:
		return p, nil
	}
	return "", fmt.Errorf("unknown plan %q", s)
}

// Entity types supported by the persona catalog.
const (
	EntitySocialWelfare = "social_welfare"
	EntityNPO           = "npo"
	EntityMedicalCorp   = "medical_corp"
	EntityGeneralInc    = "general_inc"
)

const GuestID = "guest"

type Organization struct {
	ID            string    `json:"id"`
	Plan          Plan      `json:"plan"`
	EntityType    string    `json:"entity_type"`
	BillingAnchor time.Time `json:"billing_anchor"`
	Guest         bool      `json:"guest,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (o *Organization) MarshalBinary() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (o *Organization) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, o)
}

// GuestOrganization is the profile used for unauthenticated callers and
// whenever the organization lookup fails.
func GuestOrganization(plan Plan) *Organization {
	return &Organization{
		ID:         GuestID,
		Plan:       plan,
		EntityType: EntitySocialWelfare,
		Guest:      true,
	}
}

type Store interface {
	GetOrganization(ctx context.Context, userID string) (*Organization, error)
	Upsert(ctx context.Context, org *Organization) error
}
