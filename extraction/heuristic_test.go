package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/resource"
)

func TestHeuristicExtractor(t *testing.T) {
	h := NewHeuristicExtractor()
	text := `SECTION R311.7.5 Stair treads and risers.
The riser height shall be not more than 7.75 inches. The tread depth shall be not less than 10 in. Guards shall be at least 36 inches in height.
Required guards shall not have openings which allow passage of a sphere 4 inches in diameter.`

	res, err := h.Extract(context.Background(), text, "IRC/v1")
	require.NoError(t, err)
	assert.Equal(t, HeuristicModel, res.Model)
	assert.Zero(t, res.CostUSD)

	byCategory := map[string]resource.Item{}
	for _, it := range res.Items {
		byCategory[it.Category] = it
	}

	riser, ok := byCategory["stairs.riser"]
	require.True(t, ok)
	assert.Equal(t, resource.RequirementMax, riser.Requirement)
	assert.Equal(t, 7.75, riser.Value)
	assert.Equal(t, "inch", riser.Unit)
	assert.Equal(t, "R311.7.5", riser.SectionRef)
	assert.Equal(t, "IRC", riser.CodeFamily)
	assert.InDelta(t, 1.0, riser.Confidence, 1e-9)

	tread, ok := byCategory["stairs.tread"]
	require.True(t, ok)
	assert.Equal(t, resource.RequirementMin, tread.Requirement)
	assert.Equal(t, 10.0, tread.Value)
	assert.Equal(t, "inch", tread.Unit)

	guard, ok := byCategory["railings.height"]
	require.True(t, ok)
	assert.Equal(t, 36.0, guard.Value)

	for _, it := range res.Items {
		_, err := resource.Normalize(it)
		assert.NoError(t, err, "heuristic items always pass validation")
	}
}

func TestHeuristicExtractor_NothingToFind(t *testing.T) {
	res, err := NewHeuristicExtractor().Extract(context.Background(), "SECTION R101 Title.\nThese provisions shall be known as the Residential Code.", "IRC")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Confidence)
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		item resource.Item
		text string
		want float64
	}{
		{"base", resource.Item{Category: "fence.height", Unit: "cubits"}, "", 0.5},
		{"positive value", resource.Item{Category: "fence.height", Value: 6, Unit: "cubits"}, "", 0.7},
		{"standard unit", resource.Item{Category: "fence.height", Value: 6, Unit: "ft"}, "", 0.8},
		{"common category", resource.Item{Category: "stairs.riser", Value: 7, Unit: "inch"}, "", 0.9},
		{"value in text caps at one", resource.Item{Category: "stairs.riser", Value: 7, Unit: "inch"}, "not more than 7 inches", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.item, tt.text), 1e-9)
		})
	}
}
