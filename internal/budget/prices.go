// Package budget prices LLM calls and enforces spend caps. A Meter reserves
// the worst-case cost of a call before it is sent and settles the real cost
// from the reported token usage afterwards, so concurrent jobs can never
// overshoot a cap by more than one in-flight reservation each.
package budget

import (
	"fmt"
	"sort"
	"strings"
)

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMTok  float64 `mapstructure:"input" json:"input" yaml:"input"`
	OutputPerMTok float64 `mapstructure:"output" json:"output" yaml:"output"`
}

// Cost returns the USD cost of the given token counts.
func (p Price) Cost(inTokens, outTokens int) float64 {
	return (float64(inTokens)*p.InputPerMTok + float64(outTokens)*p.OutputPerMTok) / 1_000_000
}

// DefaultPrices lists OpenRouter list prices for the models the agents are
// configured with out of the box.
var DefaultPrices = map[string]Price{
	"anthropic/claude-3.5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
	"anthropic/claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"openai/gpt-4o":               {InputPerMTok: 2.5, OutputPerMTok: 10},
	"openai/gpt-4o-mini":          {InputPerMTok: 0.15, OutputPerMTok: 0.6},
	"google/gemini-flash-1.5":     {InputPerMTok: 0.075, OutputPerMTok: 0.3},
	"deepseek/deepseek-chat":      {InputPerMTok: 0.14, OutputPerMTok: 0.28},
}

// Table resolves model prices.
type Table struct {
	prices map[string]Price
}

// NewTable merges overrides on top of DefaultPrices.
func NewTable(overrides map[string]Price) *Table {
	prices := make(map[string]Price, len(DefaultPrices)+len(overrides))
	for k, v := range DefaultPrices {
		prices[k] = v
	}
	for k, v := range overrides {
		prices[strings.ToLower(k)] = v
	}
	return &Table{prices: prices}
}

// Lookup returns the price of model. OpenRouter variant suffixes such as
// ":free" or ":beta" are stripped; ":free" costs nothing.
func (t *Table) Lookup(model string) (Price, error) {
	key := strings.ToLower(strings.TrimSpace(model))
	if p, ok := t.prices[key]; ok {
		return p, nil
	}
	base, variant, found := strings.Cut(key, ":")
	if found {
		if variant == "free" {
			return Price{}, nil
		}
		if p, ok := t.prices[base]; ok {
			return p, nil
		}
	}
	return Price{}, fmt.Errorf("no price configured for model %q", model)
}

// Models returns the priced models in name order.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.prices))
	for k := range t.prices {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
