package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/advisor-gateway/internal/billing"
	"github.com/vnmchuo/advisor-gateway/internal/persona"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/provider"
	"github.com/vnmchuo/advisor-gateway/internal/quota"
	"github.com/vnmchuo/advisor-gateway/internal/routing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
	"go.opentelemetry.io/otel/trace/noop"
)

const verdictJSON = `{"analysis":"理事の親族が監事を兼ねている","conclusion":"non_compliant","citations":["社会福祉法第44条第7項"],"confidence":0.92}`

type fakeBackend struct {
	mu      sync.Mutex
	replies map[string]func(*provider.Request) (*provider.Response, error)
	reqs    []*provider.Request
}

func (f *fakeBackend) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	reply, ok := f.replies[req.Model]
	f.mu.Unlock()
	if !ok {
		return nil, &provider.CallError{Provider: "fake", Model: req.Model, Err: errors.New("no reply scripted")}
	}
	return reply(req)
}

func (f *fakeBackend) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) Name() string              { return "fake" }
func (f *fakeBackend) SupportedModels() []string { return nil }

func (f *fakeBackend) models() []string {
	var out []string
	for _, r := range f.reqs {
		out = append(out, r.Model)
	}
	return out
}

func reply(content string, in, out int) func(*provider.Request) (*provider.Response, error) {
	return func(*provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: content, InputTokens: in, OutputTokens: out}, nil
	}
}

func failing(*provider.Request) (*provider.Response, error) {
	return nil, &provider.CallError{Provider: "fake", Model: "x", StatusCode: 503, Err: errors.New("overloaded")}
}

type fakeRetriever struct {
	calls int
	text  string
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string) string {
	r.calls++
	return r.text
}

type memRecorder struct {
	records []*billing.UsageRecord
}

func (m *memRecorder) Enqueue(rec *billing.UsageRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type fixture struct {
	backend   *fakeBackend
	retriever *fakeRetriever
	recorder  *memRecorder
	sup       *Supervisor
}

func newFixture(replies map[string]func(*provider.Request) (*provider.Response, error)) *fixture {
	f := &fixture{
		backend:   &fakeBackend{replies: replies},
		retriever: &fakeRetriever{text: "[Source: 社会福祉法] (81% Match)\n第44条"},
		recorder:  &memRecorder{},
	}
	prices := pricing.DefaultTable()
	guard := quota.NewGuard(nil, prices, quota.Limits{}, f.recorder)
	selector := routing.NewSelector(routing.DefaultCatalog(), prices)
	f.sup = New(f.backend, selector, f.retriever, guard, noop.NewTracerProvider().Tracer("test"))
	return f
}

func proRequest() Request {
	return Request{
		OrgID:     "org-1",
		RequestID: "req-1",
		Plan:      tenant.PlanPro,
		Feature:   routing.FeatureGovernanceCheck,
		UserInput: "理事の妻を監事に選任しても問題ないですか",
		Persona:   persona.Aki,
	}
}

func TestVerify_TwoPhases(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": reply(verdictJSON, 2000, 500),
		"gpt-4o":  reply("ご相談の件は、残念ながら法令に適合しません。", 800, 200),
	})

	res, err := f.sup.Verify(context.Background(), proRequest())
	require.NoError(t, err)

	require.Equal(t, []string{"o1-mini", "gpt-4o"}, f.backend.models())
	assert.Equal(t, 1, f.retriever.calls)

	reasoning := f.backend.reqs[0]
	require.NotNil(t, reasoning.Temperature)
	assert.Zero(t, *reasoning.Temperature)
	assert.True(t, reasoning.JSONResponse)
	assert.Contains(t, reasoning.Messages[0].Content, "第44条")
	assert.Contains(t, reasoning.System, "CRITICAL CONSTRAINT")

	translation := f.backend.reqs[1]
	assert.False(t, translation.JSONResponse)
	assert.Equal(t, 0.7, *translation.Temperature)
	assert.Contains(t, translation.System, "秋 (Aki)")

	assert.Equal(t, "o1-mini", res.Reasoning.Model)
	assert.Equal(t, NonCompliant, res.Reasoning.Conclusion)
	assert.Equal(t, []string{"社会福祉法第44条第7項"}, res.Reasoning.Citations)
	assert.Equal(t, 0.92, res.Reasoning.Confidence)
	assert.Equal(t, "gpt-4o", res.Translation.Model)
	assert.Equal(t, "ご相談の件は、残念ながら法令に適合しません。", res.Translation.Explanation)

	prices := pricing.DefaultTable()
	rc, _ := prices.Cost("o1-mini", 2000, 500)
	tc, _ := prices.Cost("gpt-4o", 800, 200)
	assert.InDelta(t, rc, res.Cost.ReasoningCost, 1e-12)
	assert.InDelta(t, tc, res.Cost.TranslationCost, 1e-12)
	assert.InDelta(t, rc+tc, res.Cost.TotalCost, 1e-12)

	require.Len(t, f.recorder.records, 2)
	assert.Equal(t, routing.FeatureGovernanceCheck, f.recorder.records[0].Feature)
	assert.Equal(t, routing.FeatureExplainLegalResult, f.recorder.records[1].Feature)
	assert.Equal(t, "req-1", f.recorder.records[1].RequestID)
}

func TestVerify_TranslationPromptEmbedsConclusionVerbatim(t *testing.T) {
	for _, conclusion := range []Conclusion{Compliant, NonCompliant, Unclear} {
		raw := strings.Replace(verdictJSON, `"non_compliant"`, `"`+string(conclusion)+`"`, 1)
		f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
			"o1-mini": reply(raw, 10, 10),
			"gpt-4o":  reply("説明", 10, 10),
		})

		res, err := f.sup.Verify(context.Background(), proRequest())
		require.NoError(t, err)

		prompt := f.backend.reqs[1].Messages[0].Content
		assert.Equal(t, conclusion, res.Reasoning.Conclusion)
		assert.Contains(t, prompt, "# CONCLUSION\n"+string(conclusion)+"\n")
		assert.Contains(t, prompt, "Keep the same conclusion: "+string(conclusion))
	}
}

func TestVerify_SuppliedContextSkipsRetrieval(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": reply(verdictJSON, 10, 10),
		"gpt-4o":  reply("説明", 10, 10),
	})
	req := proRequest()
	req.Context = "定款第12条: 監事は理事の親族であってはならない"

	_, err := f.sup.Verify(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, f.retriever.calls)
	assert.Contains(t, f.backend.reqs[0].Messages[0].Content, "定款第12条")
}

func TestVerify_EmptyRetrievalStillSendsKnowledgeBlock(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": reply(verdictJSON, 10, 10),
		"gpt-4o":  reply("説明", 10, 10),
	})
	f.retriever.text = ""

	_, err := f.sup.Verify(context.Background(), proRequest())
	require.NoError(t, err)

	assert.Contains(t, f.backend.reqs[0].Messages[0].Content, noKnowledge)
}

func TestVerify_VerdictParseFailureAborts(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": reply("I think it is fine.", 100, 20),
		"gpt-4o":  reply("説明", 10, 10),
	})

	_, err := f.sup.Verify(context.Background(), proRequest())

	var pe *VerdictParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "I think it is fine.", pe.Raw)
	assert.ErrorIs(t, err, ErrVerdictParse)
	assert.Equal(t, []string{"o1-mini"}, f.backend.models())
	// the reasoning call still consumed tokens
	assert.Len(t, f.recorder.records, 1)
}

func TestVerify_ReasoningFailsOverOnce(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": failing,
		"gpt-4o":  reply(verdictJSON, 10, 10),
	})

	res, err := f.sup.Verify(context.Background(), proRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"o1-mini", "gpt-4o", "gpt-4o"}, f.backend.models())
	assert.Equal(t, "gpt-4o", res.Reasoning.Model)
}

func TestVerify_ReasoningFailureSkipsTranslation(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini": failing,
		"gpt-4o":  failing,
	})

	_, err := f.sup.Verify(context.Background(), proRequest())

	require.ErrorIs(t, err, provider.ErrModelCallFailed)
	assert.Equal(t, []string{"o1-mini", "gpt-4o"}, f.backend.models())
	assert.Empty(t, f.recorder.records)
}

func TestVerify_TranslationFailure(t *testing.T) {
	f := newFixture(map[string]func(*provider.Request) (*provider.Response, error){
		"o1-mini":     reply(verdictJSON, 10, 10),
		"gpt-4o":      failing,
		"gpt-4o-mini": failing,
	})

	_, err := f.sup.Verify(context.Background(), proRequest())

	require.ErrorIs(t, err, provider.ErrModelCallFailed)
	assert.Equal(t, []string{"o1-mini", "gpt-4o", "gpt-4o-mini"}, f.backend.models())
	assert.Len(t, f.recorder.records, 1)
}

func TestVerify_FreePlanNotEntitled(t *testing.T) {
	f := newFixture(nil)
	req := proRequest()
	req.Plan = tenant.PlanFree

	_, err := f.sup.Verify(context.Background(), req)

	assert.ErrorIs(t, err, routing.ErrPlanNotEntitled)
	assert.Empty(t, f.backend.reqs)
	assert.Zero(t, f.retriever.calls)
}

func TestVerify_UnknownFeature(t *testing.T) {
	f := newFixture(nil)
	req := proRequest()
	req.Feature = "horoscope"

	_, err := f.sup.Verify(context.Background(), req)
	assert.ErrorIs(t, err, routing.ErrUnknownFeature)
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", verdictJSON, true},
		{"surrounding whitespace", "\n " + verdictJSON + "\n", true},
		{"not json", "compliant", false},
		{"bad conclusion", `{"analysis":"a","conclusion":"probably_fine"}`, false},
		{"missing analysis", `{"conclusion":"unclear"}`, false},
		{"confidence above one", `{"analysis":"a","conclusion":"unclear","confidence":1.5}`, false},
		{"negative confidence", `{"analysis":"a","conclusion":"unclear","confidence":-0.1}`, false},
		{"trailing data", verdictJSON + ` {"analysis":"b"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := ParseVerdict(tc.raw)
			if tc.ok {
				require.NoError(t, err)
				assert.NotNil(t, v)
				return
			}
			assert.Nil(t, v)
			var pe *VerdictParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.raw, pe.Raw)
		})
	}
}

func TestParseVerdict_Defaults(t *testing.T) {
	v, err := ParseVerdict(`{"analysis":"情報不足","conclusion":"unclear"}`)
	require.NoError(t, err)

	assert.Equal(t, Unclear, v.Conclusion)
	assert.Equal(t, []string{}, v.Citations)
	require.NotNil(t, v.Confidence)
	assert.Equal(t, 0.9, *v.Confidence)
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, (&Request{Feature: "governance_check", UserInput: "q"}).Validate())
	assert.Error(t, (&Request{Feature: "governance_check"}).Validate())
	assert.Error(t, (&Request{UserInput: "q"}).Validate())
}
