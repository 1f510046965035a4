// Package supervisor runs two-phase verification: a reasoning model issues
// a structured verdict, then a communication model explains it in a
// persona's voice without changing the conclusion.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/classify"
	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/persona"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
	"github.com/vnmchuo/advisor-gateway/internal/quota"
	"github.com/vnmchuo/advisor-gateway/internal/routing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateIdle             State = "idle"
	StateContextResolving State = "context_resolving"
	StateReasoning        State = "reasoning"
	StateTranslating      State = "translating"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

const (
	reasoningTemperature   = 0.0
	translationTemperature = 0.7

	// placed in the knowledge block when retrieval finds nothing
	noKnowledge = "(No matching knowledge base entries were found.)"
)

// Request is one verification call. Plan comes from the caller's
// organization.
type Request struct {
	OrgID     string      `json:"-"`
	RequestID string      `json:"-"`
	Plan      tenant.Plan `json:"userPlan"`
	Feature   string      `json:"feature" validate:"required"`
	Context   string      `json:"context"`
	UserInput string      `json:"userInput" validate:"required"`
	Persona   string      `json:"persona"`
}

func (r *Request) Validate() error {
	return validate.Struct(r)
}

type ReasoningResult struct {
	Model      string     `json:"model"`
	Analysis   string     `json:"analysis"`
	Conclusion Conclusion `json:"conclusion"`
	Citations  []string   `json:"citations"`
	Confidence float64    `json:"confidence"`
}

type TranslationResult struct {
	Model       string `json:"model"`
	Explanation string `json:"userFriendlyExplanation"`
}

type Cost struct {
	ReasoningCost   float64 `json:"reasoningCost"`
	TranslationCost float64 `json:"translationCost"`
	TotalCost       float64 `json:"totalCost"`
}

type Result struct {
	Reasoning   ReasoningResult   `json:"reasoning"`
	Translation TranslationResult `json:"translation"`
	Cost        Cost              `json:"cost"`
}

// Retriever supplies knowledge when the caller sends no context.
type Retriever interface {
	Retrieve(ctx context.Context, query string) string
}

// UsageLogger records completed model calls.
type UsageLogger interface {
	LogUsage(ctx context.Context, u quota.Usage) *billing.UsageRecord
}

type Supervisor struct {
	backend   provider.Provider
	selector  *routing.Selector
	retriever Retriever
	usage     UsageLogger
	tracer    trace.Tracer
}

func New(backend provider.Provider, selector *routing.Selector, retriever Retriever, usage UsageLogger, tracer trace.Tracer) *Supervisor {
	return &Supervisor{
		backend:   backend,
		selector:  selector,
		retriever: retriever,
		usage:     usage,
		tracer:    tracer,
	}
}

// run tracks the state of one Verify call.
type run struct {
	req   Request
	state State
	log   *slog.Logger
}

func (r *run) enter(ctx context.Context, next State) {
	r.log.DebugContext(ctx, "supervisor transition", "from", r.state, "to", next)
	r.state = next
}

// Verify runs both phases. A reasoning failure aborts before translation.
// Errors are routing errors, model call failures or a *VerdictParseError.
func (s *Supervisor) Verify(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "supervisor.verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("org_id", req.OrgID),
		attribute.String("request_id", req.RequestID),
		attribute.String("feature", req.Feature),
		attribute.String("plan", string(req.Plan)),
	)

	r := &run{
		req:   req,
		state: StateIdle,
		log:   slog.With("org_id", req.OrgID, "request_id", req.RequestID, "feature", req.Feature),
	}
	res, err := s.verify(ctx, r)

	outcome := string(StateDone)
	if err != nil {
		if r.state == StateReasoning || r.state == StateTranslating {
			r.enter(ctx, StateFailed)
		}
		outcome = string(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("state", string(r.state)))
	metrics.ObserveSupervisor(outcome, time.Since(start).Seconds())
	return res, err
}

func (s *Supervisor) verify(ctx context.Context, r *run) (*Result, error) {
	tier, err := s.selector.Catalog().TierFor(r.req.Feature)
	if err != nil {
		return nil, err
	}
	knowledge := r.req.Context
	assessment := classify.AssessComplexity(r.req.UserInput, len(knowledge))
	model, err := s.selector.SelectModel(r.req.Feature, r.req.Plan, assessment.Complexity)
	if err != nil {
		return nil, err
	}

	r.enter(ctx, StateContextResolving)
	if strings.TrimSpace(knowledge) == "" && s.retriever != nil {
		knowledge = s.retriever.Retrieve(ctx, r.req.UserInput)
	}
	if strings.TrimSpace(knowledge) == "" {
		r.log.WarnContext(ctx, "no knowledge available for reasoning")
		knowledge = noKnowledge
	}

	r.enter(ctx, StateReasoning)
	fallback, err := s.selector.Fallback(r.req.Feature, model)
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, r, &provider.Request{
		Model:        model,
		System:       reasoningSystemPrompt(tier),
		Messages:     []provider.Message{{Role: "user", Content: reasoningUserPrompt(knowledge, r.req.UserInput)}},
		Temperature:  provider.Float(reasoningTemperature),
		JSONResponse: true,
	}, fallback)
	if err != nil {
		return nil, fmt.Errorf("reasoning phase: %w", err)
	}
	reasoningRec := s.usage.LogUsage(ctx, quota.Usage{
		OrgID:        r.req.OrgID,
		RequestID:    r.req.RequestID,
		Feature:      r.req.Feature,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Metadata:     map[string]any{"phase": "reasoning"},
	})

	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		var pe *VerdictParseError
		if errors.As(err, &pe) {
			r.log.ErrorContext(ctx, "reasoning verdict rejected", "model", resp.Model, "raw", pe.Raw, "error", pe.Err)
		}
		return nil, err
	}

	r.enter(ctx, StateTranslating)
	tmodel, err := s.selector.TranslationModel(r.req.Plan)
	if err != nil {
		return nil, err
	}
	tfallback, err := s.selector.Fallback(routing.FeatureExplainLegalResult, tmodel)
	if err != nil {
		return nil, err
	}
	p := persona.Get(r.req.Persona)
	tresp, err := s.call(ctx, r, &provider.Request{
		Model:       tmodel,
		System:      p.SystemPrompt(),
		Messages:    []provider.Message{{Role: "user", Content: TranslationPrompt(verdict, p)}},
		Temperature: provider.Float(translationTemperature),
	}, tfallback)
	if err != nil {
		return nil, fmt.Errorf("translation phase: %w", err)
	}
	translationRec := s.usage.LogUsage(ctx, quota.Usage{
		OrgID:        r.req.OrgID,
		RequestID:    r.req.RequestID,
		Feature:      routing.FeatureExplainLegalResult,
		Model:        tresp.Model,
		InputTokens:  tresp.InputTokens,
		OutputTokens: tresp.OutputTokens,
		Metadata:     map[string]any{"phase": "translation", "verified_feature": r.req.Feature, "persona": p.ID},
	})

	r.enter(ctx, StateDone)
	return &Result{
		Reasoning: ReasoningResult{
			Model:      resp.Model,
			Analysis:   verdict.Analysis,
			Conclusion: verdict.Conclusion,
			Citations:  verdict.Citations,
			Confidence: *verdict.Confidence,
		},
		Translation: TranslationResult{
			Model:       tresp.Model,
			Explanation: tresp.Content,
		},
		Cost: Cost{
			ReasoningCost:   reasoningRec.CostUSD,
			TranslationCost: translationRec.CostUSD,
			TotalCost:       reasoningRec.CostUSD + translationRec.CostUSD,
		},
	}, nil
}

// call completes req, retrying once on fallback when the primary fails.
// The returned response's Model is the model that answered.
func (s *Supervisor) call(ctx context.Context, r *run, req *provider.Request, fallback string) (*provider.Response, error) {
	resp, err := s.backend.Complete(ctx, req)
	if err == nil {
		resp.Model = req.Model
		return resp, nil
	}
	if ctx.Err() != nil || fallback == "" || fallback == req.Model {
		return nil, err
	}

	r.log.WarnContext(ctx, "model call failed, using fallback",
		"state", r.state, "model", req.Model, "fallback", fallback, "error", err)
	metrics.RecordModelCall(req.Model, "fallback")
	retry := *req
	retry.Model = fallback
	resp, err = s.backend.Complete(ctx, &retry)
	if err != nil {
		return nil, err
	}
	resp.Model = fallback
	return resp, nil
}

func reasoningSystemPrompt(tier *routing.Tier) string {
	return `You are a legal analysis engine for Japanese non-profit corporations.

` + tier.Constraint() + `

# OUTPUT FORMAT (JSON)
Return ONLY valid JSON with the following structure:
{
  "analysis": "Detailed step-by-step analysis",
  "conclusion": "compliant" | "non_compliant" | "unclear",
  "citations": ["社会福祉法第37条第1項", "..."],
  "confidence": 0.95,
  "reasoning_steps": ["Step 1: ...", "Step 2: ..."]
}

IMPORTANT:
- Base your analysis ONLY on the provided knowledge base.
- Cite specific law articles.
- If information is insufficient, set conclusion to "unclear".
- Do NOT make assumptions.`
}

func reasoningUserPrompt(knowledge, input string) string {
	return "# KNOWLEDGE BASE (Laws and Regulations)\n" + knowledge +
		"\n\n# USER INPUT\n" + input
}

// TranslationPrompt asks for a plain-language explanation of v. The
// conclusion is embedded verbatim and must be kept.
func TranslationPrompt(v *Verdict, p *persona.Persona) string {
	analysis, _ := json.MarshalIndent(v, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an AI assistant.\n\n", p.Voice)
	b.WriteString("# LEGAL ANALYSIS RESULT (From reasoning model)\n")
	b.Write(analysis)
	fmt.Fprintf(&b, "\n\n# CONCLUSION\n%s\n\n", v.Conclusion)
	b.WriteString("# YOUR TASK\nTranslate this legal analysis into user-friendly Japanese.\n\n")
	b.WriteString("GUIDELINES:\n")
	fmt.Fprintf(&b, "- Maintain %s's personality and tone\n", p.ID)
	b.WriteString("- Explain in simple terms that non-lawyers can understand\n")
	b.WriteString("- Do NOT add any information beyond what's in the analysis\n")
	b.WriteString("- If the conclusion is \"unclear\", acknowledge limitations honestly\n")
	fmt.Fprintf(&b, "- Keep the same conclusion: %s\n\n", v.Conclusion)
	b.WriteString("OUTPUT:\nA natural, empathetic explanation in Japanese.")
	return b.String()
}
