package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/advisor-gateway/internal/classify"
	"github.com/vnmchuo/advisor-gateway/internal/pricing"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

var complexities = []classify.Complexity{classify.Simple, classify.Moderate, classify.Complex}

func newTestSelector() *Selector {
	return NewSelector(DefaultCatalog(), pricing.DefaultTable())
}

func TestNewCatalog_RejectsCreativeReasoning(t *testing.T) {
	_, err := NewCatalog(Tier{Name: Reasoning, Models: []string{"o1"}, AllowCreativity: true})
	assert.Error(t, err)
}

func TestNewCatalog_RejectsFeatureInTwoTiers(t *testing.T) {
	_, err := NewCatalog(
		Tier{Name: Reasoning, Models: []string{"o1"}, Features: []string{"x"}},
		Tier{Name: Processing, Models: []string{"gpt-4o-mini"}, Features: []string{"x"}},
	)
	assert.Error(t, err)
}

func TestSelectModel_UnknownFeature(t *testing.T) {
	_, err := newTestSelector().SelectModel("time_travel", tenant.PlanEnterprise, classify.Complex)
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestSelectModel_FreeTierDenial(t *testing.T) {
	s := newTestSelector()
	for _, feature := range s.Catalog().Features() {
		tier, err := s.Catalog().TierFor(feature)
		require.NoError(t, err)

		for _, c := range complexities {
			model, err := s.SelectModel(feature, tenant.PlanFree, c)
			if tier.Name == Processing {
				assert.NoError(t, err, feature)
				assert.NotEmpty(t, model)
				continue
			}
			assert.ErrorIs(t, err, ErrPlanNotEntitled, feature)
			var pne *PlanNotEntitledError
			assert.ErrorAs(t, err, &pne)
		}
	}
}

func TestSelectModel_Plans(t *testing.T) {
	s := newTestSelector()
	tests := []struct {
		feature    string
		plan       tenant.Plan
		complexity classify.Complexity
		want       string
	}{
		{FeatureGovernanceCheck, tenant.PlanEnterprise, classify.Complex, "o1"},
		{FeatureGovernanceCheck, tenant.PlanPro, classify.Complex, "o1-mini"},
		{FeatureGovernanceCheck, tenant.PlanStandard, classify.Complex, "o3-mini"},
		{FeatureChatResponse, tenant.PlanEnterprise, classify.Simple, "gpt-4o"},
		{FeatureChatResponse, tenant.PlanPro, classify.Complex, "gpt-4o"},
		{FeatureChatResponse, tenant.PlanPro, classify.Simple, "gemini-2.0-flash"},
		{FeatureChatResponse, tenant.PlanStandard, classify.Complex, "gemini-2.0-flash"},
		{FeaturePDFOCR, tenant.PlanEnterprise, classify.Moderate, "gpt-4o-mini"},
		{FeaturePDFOCR, tenant.PlanFree, classify.Moderate, "gemini-2.0-flash"},
	}

	for _, tt := range tests {
		t.Run(string(tt.plan)+"/"+tt.feature+"/"+string(tt.complexity), func(t *testing.T) {
			got, err := s.SelectModel(tt.feature, tt.plan, tt.complexity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectModel_PlanMonotonicity(t *testing.T) {
	s := newTestSelector()
	prices := pricing.DefaultTable()
	price := func(model string) float64 {
		r, ok := prices.Rate(model)
		require.True(t, ok, model)
		return r.PerToken()
	}

	for _, feature := range s.Catalog().Features() {
		for _, c := range complexities {
			enterprise, err := s.SelectModel(feature, tenant.PlanEnterprise, c)
			require.NoError(t, err)
			pro, err := s.SelectModel(feature, tenant.PlanPro, c)
			require.NoError(t, err)
			standard, err := s.SelectModel(feature, tenant.PlanStandard, c)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, price(enterprise), price(pro), "%s/%s", feature, c)
			assert.GreaterOrEqual(t, price(pro), price(standard), "%s/%s", feature, c)
		}
	}
}

func TestSelectModel_TotalOverDomain(t *testing.T) {
	s := newTestSelector()
	for _, feature := range s.Catalog().Features() {
		for _, plan := range tenant.Plans {
			for _, c := range complexities {
				model, err := s.SelectModel(feature, plan, c)
				assert.True(t, (model != "") != (err != nil), "%s/%s/%s", feature, plan, c)
			}
		}
	}
}

func TestTranslationModel(t *testing.T) {
	s := newTestSelector()

	m, err := s.TranslationModel(tenant.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m)

	m, err = s.TranslationModel(tenant.PlanStandard)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", m)
}

func TestFallback_NeverPrimaryWhenAlternativeExists(t *testing.T) {
	s := newTestSelector()

	fb, err := s.Fallback(FeatureGovernanceCheck, "o1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", fb)

	fb, err = s.Fallback(FeaturePDFOCR, "gpt-4o-mini")
	require.NoError(t, err)
	assert.NotEqual(t, "gpt-4o-mini", fb)
}

func TestRoute(t *testing.T) {
	s := newTestSelector()

	d, err := s.Route("理事の兼職は違法ですか", 0, tenant.PlanEnterprise)
	require.NoError(t, err)
	assert.Equal(t, Reasoning, d.Tier)
	assert.Equal(t, FeatureGovernanceCheck, d.Feature)
	assert.Equal(t, "o1", d.Model)
	assert.Equal(t, classify.Complex, d.Complexity)
	assert.False(t, d.Downgraded)

	d, err = s.Route("こんにちは", 0, tenant.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, Communication, d.Tier)
	assert.Equal(t, classify.Simple, d.Complexity)
	assert.Equal(t, "gemini-2.0-flash", d.Model)
	assert.True(t, d.Downgraded)

	_, err = s.Route("What should we prioritize next quarter?", 0, tenant.PlanFree)
	assert.ErrorIs(t, err, ErrPlanNotEntitled)
}

func TestFeatureForIntent(t *testing.T) {
	assert.Equal(t, FeatureConflictOfInterest, FeatureForIntent(classify.IntentConflictDetection))
	assert.Equal(t, FeatureTagging, FeatureForIntent(classify.IntentTag))
	assert.Equal(t, FeatureChatResponse, FeatureForIntent("unknown"))
}
