// Package orchestrator wires routing, admission, prompt assembly and
// streaming for one chat request.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/metrics"
	"github.com/vnmchuo/advisor-gateway/internal/persona"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
	"github.com/vnmchuo/advisor-gateway/internal/quota"
	"github.com/vnmchuo/advisor-gateway/internal/routing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
	"github.com/vnmchuo/advisor-gateway/internal/transport"
)

const creativeTemperature = 0.7

var ErrNoUserMessage = errors.New("conversation has no user message")

type ChatRequest struct {
	Messages []provider.Message `json:"messages" validate:"required,min=1,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		m := sl.Current().Interface().(provider.Message)
		if m.Role != "user" && m.Role != "assistant" {
			sl.ReportError(m.Role, "role", "Role", "oneof", "user assistant")
		}
		if strings.TrimSpace(m.Content) == "" {
			sl.ReportError(m.Content, "content", "Content", "required", "")
		}
	}, provider.Message{})
}

func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// Gate admits organizations and records their usage.
type Gate interface {
	Admit(ctx context.Context, org *tenant.Organization) error
	LogUsage(ctx context.Context, u quota.Usage) *billing.UsageRecord
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) string
}

type Orchestrator struct {
	selector  *routing.Selector
	gate      Gate
	retriever Retriever
	streamer  *transport.Streamer
}

func New(selector *routing.Selector, gate Gate, retriever Retriever, streamer *transport.Streamer) *Orchestrator {
	return &Orchestrator{
		selector:  selector,
		gate:      gate,
		retriever: retriever,
		streamer:  streamer,
	}
}

// Session is an admitted chat request ready to stream.
type Session struct {
	Org       *tenant.Organization
	RequestID string
	Decision  *routing.Decision
	Request   provider.Request
}

// ReasoningMode reports whether the reasoning tier serves this session.
func (s *Session) ReasoningMode() bool {
	return s.Decision.Tier == routing.Reasoning
}

// Prepare routes and admits a conversation. Errors are plan, quota or
// routing failures and are returned before anything is streamed.
func (o *Orchestrator) Prepare(ctx context.Context, org *tenant.Organization, requestID string, messages []provider.Message) (*Session, error) {
	text, history := lastUserMessage(messages)
	if text == "" {
		return nil, ErrNoUserMessage
	}

	decision, err := o.selector.Route(text, history, org.Plan)
	if err != nil {
		if errors.Is(err, routing.ErrPlanNotEntitled) {
			metrics.RecordDenied("plan_not_entitled")
		}
		slog.WarnContext(ctx, "chat not routed", "org_id", org.ID, "plan", org.Plan, "request_id", requestID, "error", err)
		return nil, err
	}
	metrics.RecordRouting(string(decision.Tier), decision.Model, decision.Downgraded)

	if err := o.gate.Admit(ctx, org); err != nil {
		slog.WarnContext(ctx, "chat not admitted", "org_id", org.ID, "feature", decision.Feature, "request_id", requestID, "error", err)
		return nil, err
	}

	tier, err := o.selector.Catalog().TierFor(decision.Feature)
	if err != nil {
		return nil, err
	}

	req := provider.Request{
		Model:    decision.Model,
		System:   o.systemPrompt(ctx, org, tier, text),
		Messages: messages,
	}
	if tier.AllowCreativity {
		req.Temperature = provider.Float(creativeTemperature)
	} else {
		req.Temperature = provider.Float(0)
	}

	slog.InfoContext(ctx, "chat routed",
		"org_id", org.ID,
		"request_id", requestID,
		"intent", decision.Intent,
		"feature", decision.Feature,
		"tier", decision.Tier,
		"model", decision.Model,
		"fallback", decision.FallbackModel,
		"downgraded", decision.Downgraded,
	)
	return &Session{Org: org, RequestID: requestID, Decision: decision, Request: req}, nil
}

// Stream relays the completion and records usage when it ends.
func (o *Orchestrator) Stream(ctx context.Context, enc *transport.Encoder, sess *Session) error {
	return o.streamer.Stream(ctx, enc, sess.Request, sess.Decision.FallbackModel, func(fin transport.Finish) {
		if fin.Err != nil && fin.Text == "" {
			return
		}
		// the client may be gone; the record is still owed
		o.gate.LogUsage(context.WithoutCancel(ctx), quota.Usage{
			OrgID:        sess.Org.ID,
			RequestID:    sess.RequestID,
			Feature:      sess.Decision.Feature,
			Model:        fin.Model,
			InputTokens:  fin.InputTokens,
			OutputTokens: fin.OutputTokens,
			Metadata: map[string]any{
				"intent":     sess.Decision.Intent,
				"fell_back":  fin.FellBack,
				"estimated":  fin.Estimated,
				"tool_calls": fin.ToolCalls,
			},
		})
	})
}

func (o *Orchestrator) systemPrompt(ctx context.Context, org *tenant.Organization, tier *routing.Tier, query string) string {
	parts := []string{
		persona.ForEntityType(org.EntityType).SystemPrompt(),
		tier.Constraint(),
	}
	if tier.RequiresContext && o.retriever != nil {
		if kb := o.retriever.Retrieve(ctx, query); kb != "" {
			parts = append(parts, "# KNOWLEDGE BASE\n"+kb)
		}
	}
	return strings.Join(parts, "\n\n")
}

// lastUserMessage returns the newest user message and the size of the
// conversation before it.
func lastUserMessage(messages []provider.Message) (string, int) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		size := 0
		for _, m := range messages[:i] {
			size += len([]rune(m.Content))
		}
		return messages[i].Content, size
	}
	return "", 0
}
