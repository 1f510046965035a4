package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/advisor-gateway/internal/auth"
	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/orchestrator"
	"github.com/vnmchuo/advisor-gateway/internal/persona"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
	"github.com/vnmchuo/advisor-gateway/internal/quota"
	"github.com/vnmchuo/advisor-gateway/internal/routing"
	"github.com/vnmchuo/advisor-gateway/internal/supervisor"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
	"github.com/vnmchuo/advisor-gateway/internal/transport"
	"github.com/vnmchuo/advisor-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// completionBudget is the output allowance added to the prompt estimate
// when metering a request against the rate limit.
const completionBudget = 1000

type OrgResolver interface {
	Resolve(ctx context.Context, userID string) *tenant.Organization
}

type ChatService interface {
	Prepare(ctx context.Context, org *tenant.Organization, requestID string, messages []provider.Message) (*orchestrator.Session, error)
	Stream(ctx context.Context, enc *transport.Encoder, sess *orchestrator.Session) error
}

type Verifier interface {
	Verify(ctx context.Context, req supervisor.Request) (*supervisor.Result, error)
}

type QuotaGate interface {
	Admit(ctx context.Context, org *tenant.Organization) error
	Check(ctx context.Context, org *tenant.Organization) quota.Decision
}

type Handler struct {
	orgs     OrgResolver
	chat     ChatService
	verifier Verifier
	quota    QuotaGate
	billing  billing.Store
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	timeout  time.Duration
	now      func() time.Time
}

type HandlerConfig struct {
	Orgs     OrgResolver
	Chat     ChatService
	Verifier Verifier
	Quota    QuotaGate
	Billing  billing.Store
	Limiter  *ratelimit.Limiter
	Tracer   trace.Tracer

	// RequestTimeout bounds each chat and verify request end to end.
	// Zero leaves requests unbounded.
	RequestTimeout time.Duration
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		orgs:     cfg.Orgs,
		chat:     cfg.Chat,
		verifier: cfg.Verifier,
		quota:    cfg.Quota,
		billing:  cfg.Billing,
		limiter:  cfg.Limiter,
		tracer:   cfg.Tracer,
		timeout:  cfg.RequestTimeout,
		now:      time.Now,
	}
}

// HandleChat streams a routed chat completion as NDJSON events. Guests are
// served under the guest plan.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.budget(r.Context())
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "proxy.chat")
	defer span.End()

	requestID := requestIDFrom(ctx)

	var req orchestrator.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	org := h.orgs.Resolve(ctx, auth.GetOrgID(ctx))
	span.SetAttributes(
		attribute.String("org_id", org.ID),
		attribute.String("plan", string(org.Plan)),
		attribute.String("request_id", requestID),
	)

	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
		prompt.WriteByte(' ')
	}
	if !h.allow(ctx, w, org, pricing.EstimateTokens(prompt.String())+completionBudget) {
		return
	}

	sess, err := h.chat.Prepare(ctx, org, requestID, req.Messages)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.fail(ctx, w, err)
		return
	}
	span.SetAttributes(
		attribute.String("feature", sess.Decision.Feature),
		attribute.String("model", sess.Decision.Model),
	)

	w.Header().Set("Content-Type", transport.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if sess.ReasoningMode() {
		w.Header().Set("X-Reasoning-Mode", "true")
	}
	w.WriteHeader(http.StatusOK)

	if err := h.chat.Stream(ctx, transport.NewEncoder(w), sess); err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
}

// HandleVerify runs the two-phase verification for the caller's
// organization and returns the combined result.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.budget(r.Context())
	defer cancel()
	ctx, span := h.tracer.Start(ctx, "proxy.verify")
	defer span.End()

	orgID := auth.GetOrgID(ctx)
	if orgID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID := requestIDFrom(ctx)

	var req supervisor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	org := h.orgs.Resolve(ctx, orgID)
	req.OrgID = org.ID
	req.RequestID = requestID
	req.Plan = org.Plan
	if !persona.Known(req.Persona) {
		req.Persona = persona.ForEntityType(org.EntityType).ID
	}
	span.SetAttributes(
		attribute.String("org_id", org.ID),
		attribute.String("plan", string(org.Plan)),
		attribute.String("feature", req.Feature),
		attribute.String("request_id", requestID),
	)

	if !h.allow(ctx, w, org, pricing.EstimateTokens(req.Context+" "+req.UserInput)+2*completionBudget) {
		return
	}
	if err := h.quota.Admit(ctx, org); err != nil {
		h.fail(ctx, w, err)
		return
	}

	res, err := h.verifier.Verify(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.fail(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleUsage reports the organization's ledger for a window, the current
// cycle's budget position and its rate limit bucket. The window defaults to
// the current billing cycle.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.GetOrgID(ctx)
	if orgID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	org := h.orgs.Resolve(ctx, orgID)

	now := h.now()
	from := billing.CycleStart(org.BillingAnchor, now)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.billing.List(ctx, org.ID, from, to)
	if err != nil {
		slog.ErrorContext(ctx, "usage listing failed", "org_id", org.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage ledger unavailable")
		return
	}
	if records == nil {
		records = []*billing.UsageRecord{}
	}
	var total float64
	for _, rec := range records {
		total += rec.CostUSD
	}

	resp := map[string]any{
		"org_id":         org.ID,
		"plan":           org.Plan,
		"from":           from,
		"to":             to,
		"total_requests": len(records),
		"total_cost_usd": total,
		"records":        records,
		"quota":          h.quota.Check(ctx, org),
	}
	if status, err := h.limiter.Status(ctx, org.ID, auth.GetRateLimit(ctx)); err == nil {
		resp["rate_limit"] = status
	}

	writeJSON(w, http.StatusOK, resp)
}

// budget starts the request's wall-clock budget. Retrieval, ledger reads,
// model calls and streaming all run under the same deadline.
func (h *Handler) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// allow meters tokens against the organization's per-minute bucket. A
// limiter failure admits the request.
func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, org *tenant.Organization, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, org.ID, tokens, auth.GetRateLimit(ctx))
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable, admitting request",
			"org_id", org.ID, "request_id", auth.GetRequestID(ctx), "error", err)
		return true
	}
	if allowed {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":       "rate limit exceeded",
		"retry_after": "60s",
	})
	return false
}

// fail maps a pipeline error to its HTTP status and body.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	var quotaErr *quota.ExceededError
	switch {
	case errors.Is(err, routing.ErrPlanNotEntitled):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": err.Error(),
			"code":  "plan_not_entitled",
		})
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":        err.Error(),
			"code":         "quota_exceeded",
			"current_cost": quotaErr.CurrentCost,
			"limit":        quotaErr.Limit,
		})
	case errors.Is(err, orchestrator.ErrNoUserMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		slog.ErrorContext(ctx, "request budget exhausted", "request_id", auth.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, provider.ErrModelCallFailed):
		slog.ErrorContext(ctx, "model call failed", "request_id", auth.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusBadGateway, "model call failed")
	default:
		// unknown features and unparseable verdicts land here
		slog.ErrorContext(ctx, "request failed", "request_id", auth.GetRequestID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDFrom(ctx context.Context) string {
	if id := auth.GetRequestID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
