// Package classify holds the deterministic text classifiers that drive model
// routing. Nothing in here performs I/O.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

const (
	shortUtteranceRunes = 50
	largeContextRunes   = 5000
)

type Assessment struct {
	Complexity Complexity
	Reason     string
}

var greetingPattern = regexp.MustCompile(`(?i)^\s*(こんにち|おはよう|こんばん|ありがとう|はい|いいえ|よろしく|hi\b|hello\b|hey\b|thanks\b|thank you\b|ok\b|okay\b|yes\b|no\b)`)

var legalTerms = []string{
	"法令", "条文", "法律", "規則", "義務", "責任", "社会福祉法", "定款",
	"statute", "article", "regulation", "bylaw", "articles of incorporation",
	"legal", "liability", "obligation", "compliance",
}

// AssessComplexity classifies an utterance. contextSize is the length of any
// accompanying context block (conversation history or retrieved text).
func AssessComplexity(text string, contextSize int) Assessment {
	if utf8.RuneCountInString(text) < shortUtteranceRunes || greetingPattern.MatchString(text) {
		return Assessment{Complexity: Simple, Reason: "short utterance or greeting"}
	}

	lower := strings.ToLower(text)
	for _, term := range legalTerms {
		if strings.Contains(lower, term) {
			return Assessment{Complexity: Complex, Reason: "legal or governance term: " + term}
		}
	}

	if contextSize > largeContextRunes {
		return Assessment{Complexity: Complex, Reason: "large context"}
	}

	return Assessment{Complexity: Moderate, Reason: "general request"}
}
