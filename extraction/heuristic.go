package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/teranos/codeload/resource"
)

// HeuristicModel names the pattern extractor in cost records
const HeuristicModel = "heuristic"

// CommonCategories are the rule categories the heuristic knows well
var CommonCategories = map[string]bool{
	"stairs.riser":     true,
	"stairs.tread":     true,
	"railings.height":  true,
	"railings.spacing": true,
}

// keyword → category, checked in order
var categoryKeywords = []struct {
	words    []string
	category string
}{
	{[]string{"riser"}, "stairs.riser"},
	{[]string{"tread"}, "stairs.tread"},
	{[]string{"baluster", "opening", "spacing"}, "railings.spacing"},
	{[]string{"guard", "handrail", "railing"}, "railings.height"},
	{[]string{"headroom"}, "stairs.headroom"},
	{[]string{"ceiling"}, "ceiling.height"},
	{[]string{"stairway", "stair"}, "stairs.width"},
	{[]string{"door"}, "doors.width"},
	{[]string{"egress", "window"}, "egress.opening"},
}

var (
	maxPhrase = regexp.MustCompile(`(?i)\b(?:shall not exceed|not more than|not to exceed|no more than|maximum(?: of)?|max\.?)\s+(\d+(?:\.\d+)?)\s*([a-zA-Z"'.]+(?:\s+feet)?)`)
	minPhrase = regexp.MustCompile(`(?i)\b(?:not less than|at least|no less than|minimum(?: of)?|min\.?)\s+(\d+(?:\.\d+)?)\s*([a-zA-Z"'.]+(?:\s+feet)?)`)
)

// HeuristicExtractor pulls min/max requirements out of code text with phrase
// patterns. It is free and deterministic, and serves when no model is
// configured.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates the pattern extractor
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

// Extract finds at most one requirement per category in content
func (h *HeuristicExtractor) Extract(ctx context.Context, content, family string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var items []resource.Item
	seen := make(map[string]bool)

	for _, sec := range SplitSections(content) {
		for _, sentence := range splitSentences(sec.Text) {
			for _, m := range []struct {
				re  *regexp.Regexp
				req string
			}{{maxPhrase, resource.RequirementMax}, {minPhrase, resource.RequirementMin}} {
				match := m.re.FindStringSubmatch(sentence)
				if match == nil {
					continue
				}
				category := categorize(sentence)
				if category == "" || seen[category] {
					continue
				}
				value, err := strconv.ParseFloat(match[1], 64)
				if err != nil {
					continue
				}
				unit := resource.NormalizeUnit(strings.TrimSuffix(match[2], "."))
				if !resource.StandardUnits[unit] {
					continue
				}

				item := resource.Item{
					SectionRef:  sec.Ref,
					CodeFamily:  codeFamily(family),
					Category:    category,
					Title:       sec.Title,
					Requirement: m.req,
					Value:       value,
					Unit:        unit,
					Body:        strings.TrimSpace(sentence),
				}
				item.Confidence = Confidence(item, sec.Text)
				items = append(items, item)
				seen[category] = true
			}
		}
	}

	return &Result{
		Items:      items,
		Confidence: meanConfidence(items),
		Model:      HeuristicModel,
	}, nil
}

// Confidence scores an item: 0.5 base, +0.2 for a positive value, +0.1 for a
// standard unit, +0.1 for a common category, +0.1 when the value appears
// verbatim in the source text. Capped at 1.0.
func Confidence(it resource.Item, sourceText string) float64 {
	c := 0.5
	if it.Value > 0 {
		c += 0.2
	}
	if resource.StandardUnits[it.Unit] {
		c += 0.1
	}
	if CommonCategories[it.Category] {
		c += 0.1
	}
	if strings.Contains(sourceText, strconv.FormatFloat(it.Value, 'f', -1, 64)) {
		c += 0.1
	}
	if c > 1.0 {
		c = 1.0
	}
	return c
}

func categorize(sentence string) string {
	lower := strings.ToLower(sentence)
	for _, kw := range categoryKeywords {
		for _, w := range kw.words {
			if strings.Contains(lower, w) {
				return kw.category
			}
		}
	}
	return ""
}

func splitSentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		// a period followed by a space and capital letter ends a sentence;
		// decimals like 7.75 and section numbers like R311.7 do not
		if text[i] == '.' && i+2 < len(text) && text[i+1] == ' ' && text[i+2] >= 'A' && text[i+2] <= 'Z' {
			out = append(out, text[start:i+1])
			start = i + 2
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// codeFamily takes the family prefix ("IRC/v1" → "IRC")
func codeFamily(family string) string {
	if i := strings.IndexByte(family, '/'); i >= 0 {
		return family[:i]
	}
	return family
}

func meanConfidence(items []resource.Item) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Confidence
	}
	return sum / float64(len(items))
}
