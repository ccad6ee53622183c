package observer

import (
	"math"
	"testing"

	"github.com/nevindra/chatflow"
)

func usage(prompt, completion, cached int) chatflow.Usage {
	u := chatflow.Usage{PromptTokens: prompt, CompletionTokens: completion}
	if cached > 0 {
		u.PromptTokensDetails = &chatflow.PromptTokensDetails{CachedTokens: cached}
	}
	return u
}

func TestCostCalculator(t *testing.T) {
	calc := NewCostCalculator(map[string]ModelPricing{
		"custom-model": {InputPerMillion: 5.0, OutputPerMillion: 10.0},
	})

	tests := []struct {
		name  string
		model string
		usage chatflow.Usage
		want  float64
	}{
		{"known model", "gpt-4o-mini", usage(1_000_000, 1_000_000, 0), 0.75},
		{"dated snapshot", "gpt-4o-mini-2024-07-18", usage(1_000_000, 1_000_000, 0), 0.75},
		{"longest prefix wins", "gpt-4.1-nano-2025-04-14", usage(1_000_000, 0, 0), 0.10},
		{"cached prompt tokens", "gpt-4o", usage(1_000_000, 0, 400_000), 0.6*2.50 + 0.4*1.25},
		{"cached beyond prompt is capped", "gpt-4o", usage(100, 0, 500), 100.0 / 1_000_000 * 1.25},
		{"override", "custom-model", usage(500_000, 200_000, 0), 2.5 + 2.0},
		{"cached at input rate without a cached price", "custom-model", usage(1_000_000, 0, 1_000_000), 5.0},
		{"unknown model", "unknown-model", usage(1000, 1000, 0), 0},
		{"no prefix without separator", "gpt-4omni", usage(1000, 1000, 0), 0},
		{"zero tokens", "gpt-4o", usage(0, 0, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Calculate(tt.model, tt.usage)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Calculate(%q) = %f, want %f", tt.model, got, tt.want)
			}
		})
	}
}

func TestCostCalculatorOverrideKeepsDefaults(t *testing.T) {
	calc := NewCostCalculator(map[string]ModelPricing{"gpt-4o": {InputPerMillion: 1, OutputPerMillion: 1}})
	if got := calc.Calculate("gpt-4o", usage(1_000_000, 0, 0)); got != 1 {
		t.Errorf("override cost = %f, want 1", got)
	}
	if got := calc.Calculate("o3-mini", usage(1_000_000, 0, 0)); math.Abs(got-1.10) > 1e-9 {
		t.Errorf("default cost = %f, want 1.10", got)
	}
}
