package openrouter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		prompt     int
		completion int
		want       float64
	}{
		// ($0.15 * 1000/1M) + ($0.60 * 500/1M)
		{"gpt-4o-mini", "openai/gpt-4o-mini", 1000, 500, 0.00045},
		// ($2.50 * 5000/1M) + ($10.00 * 2000/1M)
		{"gpt-4o", "openai/gpt-4o", 5000, 2000, 0.0325},
		{"zero tokens", "openai/gpt-4o", 0, 0, 0},
		{"unknown model", "acme/unknown", 1_000_000, 1_000_000, DefaultPricingFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateCost(tt.model, tt.prompt, tt.completion), 1e-9)
		})
	}
}

func TestEstimateCost(t *testing.T) {
	// 4000 chars ≈ 1001 prompt tokens, plus 1000 completion tokens
	got := EstimateCost("openai/gpt-4o-mini", 4000, 1000)
	assert.InDelta(t, 1001*0.15/1e6+1000*0.60/1e6, got, 1e-12)

	p, ok := GetPricing("openai/gpt-4o-mini")
	assert.True(t, ok)
	assert.Equal(t, 0.15, p.PromptPrice)
}
