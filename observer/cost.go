package observer

import (
	"strings"

	"github.com/nevindra/chatflow"
)

// ModelPricing holds per-million-token pricing for a model. A zero
// CachedInputPerMillion bills cached prompt tokens at the input rate.
type ModelPricing struct {
	InputPerMillion       float64
	OutputPerMillion      float64
	CachedInputPerMillion float64
}

// DefaultPricing covers common models served over OpenAI-compatible APIs.
// Override or extend it with [observer.pricing] in chatflow.toml.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":       {2.50, 10.00, 1.25},
	"gpt-4o-mini":  {0.15, 0.60, 0.075},
	"gpt-4.1":      {2.00, 8.00, 0.50},
	"gpt-4.1-mini": {0.40, 1.60, 0.10},
	"gpt-4.1-nano": {0.10, 0.40, 0.025},
	"o3-mini":      {1.10, 4.40, 0.55},

	"gemini-2.0-flash": {0.10, 0.40, 0.025},
	"gemini-2.5-flash": {0.30, 2.50, 0.075},
	"gemini-2.5-pro":   {1.25, 10.00, 0.31},
}

// CostCalculator computes USD cost from token usage.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally merged with overrides.
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

// Calculate returns the cost in USD of one completion. Returns 0 for
// unknown models.
func (c *CostCalculator) Calculate(model string, u chatflow.Usage) float64 {
	p, ok := c.lookup(model)
	if !ok {
		return 0
	}
	cached := 0
	if u.PromptTokensDetails != nil {
		cached = min(u.PromptTokensDetails.CachedTokens, u.PromptTokens)
	}
	cachedRate := p.CachedInputPerMillion
	if cachedRate == 0 {
		cachedRate = p.InputPerMillion
	}
	return float64(u.PromptTokens-cached)/1_000_000*p.InputPerMillion +
		float64(cached)/1_000_000*cachedRate +
		float64(u.CompletionTokens)/1_000_000*p.OutputPerMillion
}

// lookup finds the pricing for model. Backends report dated snapshots such
// as "gpt-4o-mini-2024-07-18", so the longest priced name followed by "-"
// matches when there is no exact entry.
func (c *CostCalculator) lookup(model string) (ModelPricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	best := ""
	for name := range c.pricing {
		if len(name) > len(best) && strings.HasPrefix(model, name+"-") {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}
