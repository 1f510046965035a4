// Package pricing holds the per-model token prices used for every cost
// computation in the gateway.
package pricing

import (
	"sort"
	"strings"
)

// Rate is a price in USD per one million tokens.
type Rate struct {
	Input  float64
	Output float64
}

// PerToken returns the combined price of one input and one output token,
// used to rank models by cost.
func (r Rate) PerToken() float64 {
	return (r.Input + r.Output) / 1_000_000
}

// Table maps a model identifier to its rate. A Table is read-only once built
// and safe for concurrent use.
type Table struct {
	rates map[string]Rate
}

func NewTable(rates map[string]Rate) *Table {
	t := &Table{rates: make(map[string]Rate, len(rates))}
	for model, r := range rates {
		t.rates[model] = r
	}
	return t
}

// DefaultTable carries list prices for the models in the default catalog.
func DefaultTable() *Table {
	return NewTable(map[string]Rate{
		"o1":                       {Input: 15.00, Output: 60.00},
		"o1-mini":                  {Input: 3.00, Output: 12.00},
		"o3-mini":                  {Input: 1.10, Output: 4.40},
		"gpt-4o":                   {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":              {Input: 0.15, Output: 0.60},
		"claude-3-5-sonnet-latest": {Input: 3.00, Output: 15.00},
		"claude-3-5-haiku-latest":  {Input: 0.80, Output: 4.00},
		"gemini-2.0-flash":         {Input: 0.075, Output: 0.30},
		"text-embedding-3-small":   {Input: 0.02, Output: 0},
	})
}

func (t *Table) Rate(model string) (Rate, bool) {
	r, ok := t.rates[model]
	return r, ok
}

// Cost returns the USD cost of a call. The second return value is false when
// the model has no entry, in which case the cost is 0.
func (t *Table) Cost(model string, inputTokens, outputTokens int) (float64, bool) {
	r, ok := t.rates[model]
	if !ok {
		return 0, false
	}
	return float64(inputTokens)/1_000_000*r.Input + float64(outputTokens)/1_000_000*r.Output, true
}

// Cheapest returns the lowest priced model from candidates. Ties keep list
// order and models without a rate sort last.
func (t *Table) Cheapest(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	ranked := t.ByPrice(candidates)
	return ranked[0]
}

// ByPrice returns candidates sorted from cheapest to most expensive.
func (t *Table) ByPrice(candidates []string) []string {
	out := make([]string, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := t.rates[out[i]]
		rj, jok := t.rates[out[j]]
		if iok != jok {
			return iok
		}
		return ri.PerToken() < rj.PerToken()
	})
	return out
}

// EstimateTokens approximates the token count of text when a backend does
// not report usage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len([]rune(text))
	return (words + chars/4) / 2
}
