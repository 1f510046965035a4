package routing

import "fmt"

type TierName string

const (
	Reasoning     TierName = "reasoning"
	Communication TierName = "communication"
	Processing    TierName = "processing"
)

// Tier is a bucket of interchangeable models that share a prompt policy.
// Models are ordered best first.
type Tier struct {
	Name            TierName
	Models          []string
	Fallback        string
	RequiresContext bool
	AllowCreativity bool
	Features        []string
}

// Feature names.
const (
	FeatureGovernanceCheck      = "governance_check"
	FeatureSubsidyEligibility   = "subsidy_eligibility"
	FeatureArticleValidation    = "article_validation"
	FeatureConflictOfInterest   = "conflict_of_interest"
	FeatureChatResponse         = "chat_response"
	FeatureDraftingEmails       = "drafting_emails"
	FeatureDraftingMinutes      = "drafting_minutes"
	FeatureExplainLegalResult   = "explain_legal_result"
	FeaturePDFOCR               = "pdf_ocr"
	FeatureSummarizeDailyReport = "summarize_daily_report"
	FeatureTagging              = "tagging"
	FeatureExtractEntities      = "extract_entities"
)

// Catalog resolves features to tiers. It is immutable after construction.
type Catalog struct {
	tiers    map[TierName]*Tier
	features map[string]TierName
}

// NewCatalog validates the tiers and indexes their features. Every feature
// must belong to exactly one tier, and the reasoning tier may never allow
// creative sampling.
func NewCatalog(tiers ...Tier) (*Catalog, error) {
	c := &Catalog{
		tiers:    make(map[TierName]*Tier, len(tiers)),
		features: make(map[string]TierName),
	}
	for i := range tiers {
		t := tiers[i]
		if len(t.Models) == 0 {
			return nil, fmt.Errorf("tier %s has no models", t.Name)
		}
		if t.Name == Reasoning && t.AllowCreativity {
			return nil, fmt.Errorf("tier %s must not allow creativity", t.Name)
		}
		if _, dup := c.tiers[t.Name]; dup {
			return nil, fmt.Errorf("tier %s declared twice", t.Name)
		}
		for _, f := range t.Features {
			if owner, dup := c.features[f]; dup {
				return nil, fmt.Errorf("feature %s belongs to both %s and %s", f, owner, t.Name)
			}
			c.features[f] = t.Name
		}
		c.tiers[t.Name] = &t
	}
	return c, nil
}

// DefaultCatalog is the production tier layout.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Tier{
			Name:            Reasoning,
			Models:          []string{"o1", "o1-mini", "o3-mini"},
			Fallback:        "gpt-4o",
			RequiresContext: true,
			AllowCreativity: false,
			Features: []string{
				FeatureGovernanceCheck, FeatureSubsidyEligibility,
				FeatureArticleValidation, FeatureConflictOfInterest,
			},
		},
		Tier{
			Name:            Communication,
			Models:          []string{"gpt-4o", "claude-3-5-sonnet-latest", "gpt-4o-mini", "gemini-2.0-flash"},
			Fallback:        "gpt-4o-mini",
			RequiresContext: true,
			AllowCreativity: true,
			Features: []string{
				FeatureChatResponse, FeatureDraftingEmails,
				FeatureDraftingMinutes, FeatureExplainLegalResult,
			},
		},
		Tier{
			Name:            Processing,
			Models:          []string{"gpt-4o-mini", "claude-3-5-haiku-latest", "gemini-2.0-flash"},
			Fallback:        "gpt-4o-mini",
			RequiresContext: false,
			AllowCreativity: false,
			Features: []string{
				FeaturePDFOCR, FeatureSummarizeDailyReport,
				FeatureTagging, FeatureExtractEntities,
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) TierFor(feature string) (*Tier, error) {
	name, ok := c.features[feature]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	return c.tiers[name], nil
}

func (c *Catalog) Tier(name TierName) (*Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

// Features returns every registered feature name.
func (c *Catalog) Features() []string {
	out := make([]string, 0, len(c.features))
	for f := range c.features {
		out = append(out, f)
	}
	return out
}

// Constraint is the tier-specific instruction appended to system prompts.
func (t *Tier) Constraint() string {
	if t.AllowCreativity {
		return `COMMUNICATION GUIDELINES:
- Be empathetic and encouraging.
- Use natural, polite language in the persona's voice.
- Never change a legal conclusion you are given; only explain it.`
	}
	return `CRITICAL CONSTRAINT:
- Do NOT invent facts, numbers, or legal provisions.
- Answer only from the provided context. If the context is insufficient, say so.
- Cite the specific article or regulation for every legal statement.`
}
