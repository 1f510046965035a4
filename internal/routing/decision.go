package routing

import (
	"github.com/vnmchuo/advisor-gateway/internal/classify"
	"github.com/vnmchuo/advisor-gateway/internal/tenant"
)

// Decision is the per-request outcome of routing.
type Decision struct {
	Intent        string              `json:"intent"`
	Confidence    float64             `json:"confidence"`
	Complexity    classify.Complexity `json:"complexity"`
	Feature       string              `json:"feature"`
	Tier          TierName            `json:"tier"`
	Model         string              `json:"model"`
	FallbackModel string              `json:"fallback_model"`
	Downgraded    bool                `json:"downgraded"`
}

var intentFeatures = map[string]string{
	classify.IntentLegalCheck:         FeatureGovernanceCheck,
	classify.IntentComplianceAudit:    FeatureGovernanceCheck,
	classify.IntentSubsidyEligibility: FeatureSubsidyEligibility,
	classify.IntentGovernanceCheck:    FeatureGovernanceCheck,
	classify.IntentConflictDetection:  FeatureConflictOfInterest,

	classify.IntentChat:         FeatureChatResponse,
	classify.IntentEmailDraft:   FeatureDraftingEmails,
	classify.IntentMinutesDraft: FeatureDraftingMinutes,
	classify.IntentExplanation:  FeatureExplainLegalResult,

	classify.IntentOCR:       FeaturePDFOCR,
	classify.IntentSummarize: FeatureSummarizeDailyReport,
	classify.IntentTag:       FeatureTagging,
	classify.IntentExtract:   FeatureExtractEntities,
}

// FeatureForIntent maps an intent label to the feature that serves it.
// Unlabelled intents are treated as chat.
func FeatureForIntent(intent string) string {
	if f, ok := intentFeatures[intent]; ok {
		return f
	}
	return FeatureChatResponse
}

// Route classifies text and selects a model. contextSize feeds the
// complexity assessment. An advisor suggestion pins the reasoning tier and a
// persona suggestion forces complex communication routing.
func (s *Selector) Route(text string, contextSize int, plan tenant.Plan) (*Decision, error) {
	intent := classify.DetectIntent(text)
	assessment := classify.AssessComplexity(text, contextSize)

	complexity := assessment.Complexity
	switch intent.SuggestedTier {
	case classify.SuggestAdvisor, classify.SuggestPersona:
		complexity = classify.Complex
	}

	feature := FeatureForIntent(intent.Intent)
	tier, err := s.catalog.TierFor(feature)
	if err != nil {
		return nil, err
	}

	model, err := s.selectInTier(tier, plan, complexity)
	if err != nil {
		return nil, err
	}
	fallback, err := s.Fallback(feature, model)
	if err != nil {
		return nil, err
	}

	return &Decision{
		Intent:        intent.Intent,
		Confidence:    intent.Confidence,
		Complexity:    complexity,
		Feature:       feature,
		Tier:          tier.Name,
		Model:         model,
		FallbackModel: fallback,
		Downgraded:    model != tier.Models[0],
	}, nil
}
