// Package quota is the admission gate that enforces monthly cost budgets.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError carries the numbers the product shows on an upgrade prompt.
type ExceededError struct {
	CurrentCost float64
	Limit       float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly usage limit reached (%.4f/%.2f USD)", e.CurrentCost, e.Limit)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Limits is the monthly budget per plan in USD. Zero means unlimited.
type Limits map[tenant.Plan]float64

type Decision struct {
	Allowed      bool    `json:"allowed"`
	CurrentCost  float64 `json:"current_cost"`
	Limit        float64 `json:"limit"`
	UsagePercent int     `json:"usage_percent"`
}

// Recorder accepts usage records for asynchronous persistence.
type Recorder interface {
	Enqueue(rec *billing.UsageRecord) error
}

type Guard struct {
	ledger   billing.Store
	prices   *pricing.Table
	limits   Limits
	recorder Recorder
	now      func() time.Time
}

func NewGuard(ledger billing.Store, prices *pricing.Table, limits Limits, recorder Recorder) *Guard {
	return &Guard{
		ledger:   ledger,
		prices:   prices,
		limits:   limits,
		recorder: recorder,
		now:      time.Now,
	}
}

func (g *Guard) Limit(plan tenant.Plan) float64 {
	return g.limits[plan]
}

// CheckUsageLimit compares the organization's spend in the current calendar
// month with its plan budget.
func (g *Guard) CheckUsageLimit(ctx context.Context, orgID string, plan tenant.Plan) Decision {
	return g.check(ctx, orgID, plan, billing.CycleStart(time.Time{}, g.now()))
}

// Check is CheckUsageLimit over the organization's own billing cycle.
func (g *Guard) Check(ctx context.Context, org *tenant.Organization) Decision {
	return g.check(ctx, org.ID, org.Plan, billing.CycleStart(org.BillingAnchor, g.now()))
}

func (g *Guard) check(ctx context.Context, orgID string, plan tenant.Plan, from time.Time) Decision {
	total, err := g.ledger.TotalCost(ctx, orgID, from, g.now())
	if err != nil {
		slog.WarnContext(ctx, "usage ledger unavailable, admitting request",
			"org_id", orgID, "plan", plan, "error", err)
		metrics.RecordFailOpen()
		return Decision{Allowed: true}
	}
	return Evaluate(total, g.limits[plan])
}

// Evaluate applies the budget rule: spend strictly below the limit is
// allowed, and a zero limit is unlimited.
func Evaluate(currentCost, limit float64) Decision {
	d := Decision{CurrentCost: currentCost, Limit: limit}
	if limit == 0 {
		d.Allowed = true
		return d
	}
	d.Allowed = currentCost < limit
	d.UsagePercent = int(math.Min(math.Round(currentCost/limit*100), 100))
	return d
}

// Admit returns an *ExceededError when the organization is over budget.
// Guests have no ledger of their own and are always admitted.
func (g *Guard) Admit(ctx context.Context, org *tenant.Organization) error {
	if org.Guest {
		return nil
	}
	d := g.Check(ctx, org)
	if !d.Allowed {
		metrics.RecordDenied("quota_exceeded")
		return &ExceededError{CurrentCost: d.CurrentCost, Limit: d.Limit}
	}
	return nil
}

// Usage is a completed model call awaiting accounting.
type Usage struct {
	OrgID        string
	RequestID    string
	Feature      string
	Model        string
	InputTokens  int
	OutputTokens int
	Metadata     map[string]any
}

// LogUsage prices the call and queues it for the ledger. It never blocks and
// never fails: an unknown model costs zero and a rejected record is logged.
func (g *Guard) LogUsage(ctx context.Context, u Usage) *billing.UsageRecord {
	cost, ok := g.prices.Cost(u.Model, u.InputTokens, u.OutputTokens)
	if !ok {
		slog.WarnContext(ctx, "no price for model, recording zero cost",
			"org_id", u.OrgID, "feature", u.Feature, "model", u.Model)
	}

	rec := &billing.UsageRecord{
		OrgID:        u.OrgID,
		RequestID:    u.RequestID,
		Feature:      u.Feature,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		Metadata:     u.Metadata,
		CreatedAt:    g.now().UTC(),
	}
	metrics.RecordUsage(u.Feature, u.Model, u.InputTokens, u.OutputTokens, cost)

	if err := g.recorder.Enqueue(rec); err != nil {
		metrics.RecordUsageDropped()
		slog.ErrorContext(ctx, "usage record dropped",
			"org_id", rec.OrgID,
			"request_id", rec.RequestID,
			"feature", rec.Feature,
			"model", rec.Model,
			"input_tokens", rec.InputTokens,
			"output_tokens", rec.OutputTokens,
			"cost_usd", rec.CostUSD,
			"error", err,
		)
	}
	return rec
}
