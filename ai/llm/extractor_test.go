package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/ai/openrouter"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/resource"
)

type fakeChat struct {
	content string
	err     error
	last    openrouter.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &openrouter.ChatResponse{
		Content: f.content,
		Model:   "openai/gpt-4o-mini",
		Usage:   openrouter.Usage{PromptTokens: 800, CompletionTokens: 200, TotalTokens: 1000},
		CostUSD: 0.0012,
	}, nil
}

func (f *fakeChat) Model() string  { return "openai/gpt-4o-mini" }
func (f *fakeChat) MaxTokens() int { return 1000 }

func TestRuleExtractor_ValidOutput(t *testing.T) {
	chat := &fakeChat{content: "```json\n" + `{"rules": [
		{"section_ref": "R311.7.5.1", "category": "stairs.riser", "requirement": "max", "value": 7.75, "unit": "inches", "title": "Risers", "confidence": 0.95},
		{"section_ref": "R312.1.2", "category": "railings.height", "requirement": "range", "value": 34, "value_max": 38, "unit": "in"}
	]}` + "\n```"}
	ex, err := NewRuleExtractor(chat)
	require.NoError(t, err)

	res, err := ex.Extract(context.Background(), "SECTION R311.7.5.1 Risers. not more than 7.75 inches.", "IRC")
	require.NoError(t, err)
	assert.Contains(t, chat.last.UserPrompt, "Code family: IRC")
	assert.True(t, chat.last.JSONOutput)

	require.Len(t, res.Items, 2)
	assert.Equal(t, 1000, res.TokensUsed)
	assert.Equal(t, 0.0012, res.CostUSD)
	assert.Equal(t, "openai/gpt-4o-mini", res.Model)

	riser := res.Items[0]
	assert.Equal(t, 0.95, riser.Confidence)
	assert.Equal(t, "IRC", riser.CodeFamily)

	guard := res.Items[1]
	require.NotNil(t, guard.ValueMax)
	assert.Equal(t, 38.0, *guard.ValueMax)
	assert.InDelta(t, 0.9, guard.Confidence, 1e-9, "heuristic confidence fills in when the model omits it")

	_, err = resource.Normalize(guard)
	assert.NoError(t, err)
}

func TestRuleExtractor_RejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":          "I found some rules!",
		"missing rules":     `{"items": []}`,
		"bad requirement":   `{"rules": [{"category": "a", "requirement": "about", "value": 1, "unit": "ft"}]}`,
		"string value":      `{"rules": [{"category": "a", "requirement": "min", "value": "seven", "unit": "ft"}]}`,
		"missing unit":      `{"rules": [{"category": "a", "requirement": "min", "value": 7}]}`,
		"confidence over 1": `{"rules": [{"category": "a", "requirement": "min", "value": 7, "unit": "ft", "confidence": 3}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			ex, err := NewRuleExtractor(&fakeChat{content: content})
			require.NoError(t, err)
			_, err = ex.Extract(context.Background(), "text", "IRC")
			assert.Error(t, err)
		})
	}
}

func TestRuleExtractor_PropagatesClientErrors(t *testing.T) {
	ex, err := NewRuleExtractor(&fakeChat{err: errors.New("API request failed with status 401")})
	require.NoError(t, err)
	_, err = ex.Extract(context.Background(), "text", "IRC")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRuleExtractor_EstimateCost(t *testing.T) {
	ex, err := NewRuleExtractor(&fakeChat{})
	require.NoError(t, err)
	small := ex.EstimateCost("short")
	large := ex.EstimateCost(strings.Repeat("x", 100_000))
	assert.Positive(t, small)
	assert.Greater(t, large, small)
}
