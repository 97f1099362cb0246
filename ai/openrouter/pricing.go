package openrouter

// ModelPricing is USD per million tokens
type ModelPricing struct {
	PromptPrice     float64
	CompletionPrice float64
}

var modelPricing = map[string]ModelPricing{
	"openai/gpt-4o": {
		PromptPrice:     2.50,
		CompletionPrice: 10.00,
	},
	"openai/gpt-4o-mini": {
		PromptPrice:     0.15,
		CompletionPrice: 0.60,
	},
	"openai/gpt-4.1-mini": {
		PromptPrice:     0.40,
		CompletionPrice: 1.60,
	},
	"anthropic/claude-3.5-sonnet": {
		PromptPrice:     3.00,
		CompletionPrice: 15.00,
	},
	"anthropic/claude-3-haiku": {
		PromptPrice:     0.25,
		CompletionPrice: 1.25,
	},
	"google/gemini-flash-1.5": {
		PromptPrice:     0.075,
		CompletionPrice: 0.30,
	},
	"meta-llama/llama-3.1-70b-instruct": {
		PromptPrice:     0.52,
		CompletionPrice: 0.75,
	},
}

// DefaultPricingFallback is charged per request when the model's pricing is unknown
const DefaultPricingFallback = 0.01

// CalculateCost prices a call from its token usage
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, found := modelPricing[model]
	if !found {
		return DefaultPricingFallback
	}
	promptCost := (float64(promptTokens) / 1_000_000.0) * pricing.PromptPrice
	completionCost := (float64(completionTokens) / 1_000_000.0) * pricing.CompletionPrice
	return promptCost + completionCost
}

// EstimateCost prices a prompt before sending it, assuming ~4 characters per
// token and a completion of at most maxCompletionTokens.
func EstimateCost(model string, promptChars, maxCompletionTokens int) float64 {
	return CalculateCost(model, promptChars/4+1, maxCompletionTokens)
}

// GetPricing returns pricing for a model, if known
func GetPricing(model string) (ModelPricing, bool) {
	pricing, found := modelPricing[model]
	return pricing, found
}
