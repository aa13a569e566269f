package observer

import "strings"

// ModelPricing is USD per million tokens for one model or model family.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing covers the model families the default provider chain
// resolves symbolic tiers to. Keys match exactly first, then as the
// longest prefix, so router-style ids ("openai/gpt-4o-mini") and dated
// snapshots ("gpt-4o-mini-2024-07-18") price as their family. Extend or
// override via [observer.pricing] in atelier.toml.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":                 {2.50, 10.00},
	"gpt-4o-mini":            {0.15, 0.60},
	"gpt-4.1":                {2.00, 8.00},
	"gpt-4.1-mini":           {0.40, 1.60},
	"o3-mini":                {1.10, 4.40},
	"llama-3.3-70b":          {0.59, 0.79},
	"deepseek-chat":          {0.27, 1.10},
	"mistral-small":          {0.10, 0.30},
	"text-embedding-3-small": {0.02, 0},
}

// CostCalculator computes USD cost from token counts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with the default table merged
// with overrides (overrides win on conflict).
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and token counts.
// Unknown models cost zero; local and self-hosted backends stay off the
// table on purpose.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// lookup resolves a resolved-model id to a pricing entry: exact match,
// then the id with any vendor prefix stripped, then the longest family
// prefix.
func (c *CostCalculator) lookup(model string) (ModelPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
		if p, ok := c.pricing[model]; ok {
			return p, true
		}
	}
	var best string
	for k := range c.pricing {
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}
