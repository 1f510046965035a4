package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Intent labels. The set is closed.
const (
	IntentLegalCheck         = "legal_check"
	IntentComplianceAudit    = "compliance_audit"
	IntentSubsidyEligibility = "subsidy_eligibility"
	IntentGovernanceCheck    = "governance_check"
	IntentConflictDetection  = "conflict_detection"

	IntentChat         = "chat"
	IntentEmailDraft   = "email_draft"
	IntentMinutesDraft = "minutes_draft"
	IntentExplanation  = "explanation"

	IntentOCR       = "ocr"
	IntentSummarize = "summarize"
	IntentTag       = "tag"
	IntentExtract   = "extract"
)

// SuggestedTier tells the router which tier family an intent prefers.
type SuggestedTier string

const (
	SuggestAdvisor SuggestedTier = "advisor"
	SuggestPersona SuggestedTier = "persona"
	SuggestDefault SuggestedTier = "default"
)

type Intent struct {
	Intent        string        `json:"intent"`
	Confidence    float64       `json:"confidence"`
	Reason        string        `json:"reason"`
	SuggestedTier SuggestedTier `json:"suggested_tier"`
}

type keywordGroup struct {
	intent   string
	keywords []string
}

var (
	advisorKeywords = []string{
		"法的", "法律", "適法", "違法", "条文", "法令", "規則", "定款",
		"監事", "理事", "評議員", "役員", "兼職", "親族",
		"監査", "チェック", "確認", "判定", "適合", "違反",
		"助成金", "補助金", "受給要件", "資格", "利益相反",
		"legal", "lawful", "unlawful", "violation", "bylaw", "statute",
		"director", "auditor", "trustee", "officer", "grant", "subsidy", "audit",
		"conflict of interest",
	}
	legalityTerms   = []string{"適法", "違法", "問題", "lawful", "unlawful", "illegal", "violation"}
	conflictTerms   = []string{"利益相反", "conflict of interest"}
	subsidyTerms    = []string{"助成金", "補助金", "grant", "subsidy"}
	governanceTerms = []string{"役員", "理事", "監事", "評議員", "director", "auditor", "trustee", "officer"}
	auditTerms      = []string{"監査", "audit"}

	// Order matters: the first matching group wins.
	processingGroups = []keywordGroup{
		{IntentOCR, []string{"pdf", "ファイル", "スキャン", "テキスト化", "読み取", "scan", "ocr"}},
		{IntentSummarize, []string{"要約", "まとめ", "サマリ", "概要", "summarize", "summary"}},
		{IntentTag, []string{"タグ", "カテゴリ", "分類", "ラベル", "tag", "categorize", "label"}},
		{IntentExtract, []string{"抽出", "取り出", "データ", "extract"}},
	}
	draftingGroups = []keywordGroup{
		{IntentEmailDraft, []string{"メール", "連絡", "通知", "招集", "メッセージ", "email", "notice"}},
		{IntentMinutesDraft, []string{"議事録", "会議", "ミーティング", "minutes", "meeting"}},
		{IntentExplanation, []string{"説明", "解説", "教えて", "わかりやすく", "explain"}},
	}
	draftingVerbs = []string{"作成", "書いて", "draft", "write"}

	// latin openers must end at a word boundary so "history" is not "hi"
	greetingOpener = regexp.MustCompile(`^\s*(こんにちは|おはよう|こんばんは|ありがとう|よろしく|hello\b|hi\b|thanks\b)`)
)

const greetingMaxRunes = 30

// DetectIntent maps an utterance to one intent from the closed label set.
func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)

	if containsAny(lower, advisorKeywords) {
		switch {
		case containsAny(lower, conflictTerms):
			return Intent{IntentConflictDetection, 0.9, "conflict of interest check", SuggestAdvisor}
		case containsAny(lower, legalityTerms):
			return Intent{IntentLegalCheck, 0.95, "legal compliance question", SuggestAdvisor}
		case containsAny(lower, subsidyTerms):
			return Intent{IntentSubsidyEligibility, 0.9, "subsidy eligibility check", SuggestAdvisor}
		case containsAny(lower, governanceTerms):
			return Intent{IntentGovernanceCheck, 0.9, "governance or officer check", SuggestAdvisor}
		case containsAny(lower, auditTerms):
			return Intent{IntentComplianceAudit, 0.85, "compliance audit", SuggestAdvisor}
		}
	}

	for _, g := range processingGroups {
		if kw, ok := firstMatch(lower, g.keywords); ok {
			return Intent{g.intent, 0.85, "processing task: " + kw, SuggestDefault}
		}
	}

	if containsAny(lower, draftingVerbs) {
		for _, g := range draftingGroups {
			if kw, ok := firstMatch(lower, g.keywords); ok {
				return Intent{g.intent, 0.8, "drafting request: " + kw, SuggestPersona}
			}
		}
	}

	if utf8.RuneCountInString(text) < greetingMaxRunes && greetingOpener.MatchString(lower) {
		return Intent{IntentChat, 0.95, "greeting", SuggestDefault}
	}

	return Intent{IntentChat, 0.7, "general conversation", SuggestPersona}
}

func containsAny(s string, keywords []string) bool {
	_, ok := firstMatch(s, keywords)
	return ok
}

func firstMatch(s string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return kw, true
		}
	}
	return "", false
}
