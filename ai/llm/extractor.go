// Package llm extracts rule items from code text with a chat model. Model
// output is validated against a JSON schema before it is trusted.
package llm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/teranos/codeload/ai/openrouter"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/resource"
)

//go:embed rules.schema.json
var rulesSchema []byte

// ChatClient is the part of the OpenRouter client the extractor uses
type ChatClient interface {
	Chat(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
	Model() string
	MaxTokens() int
}

const systemPrompt = `You extract numeric building code requirements.
Return a JSON object {"rules": [...]} and nothing else. Each rule has:
  section_ref  the code section, e.g. "R311.7.5.1"
  category     dot-separated lowercase, e.g. "stairs.riser", "railings.height"
  requirement  one of "min", "max", "exact", "range"
  value        number (the lower bound for ranges)
  value_max    number, ranges only
  unit         e.g. "inch", "ft", "mm"
  title        short section title
  confidence   0..1, how sure you are the rule is stated in the text
Only include rules with an explicit numeric value in the text.`

// RuleExtractor implements extraction.Extractor with a chat model
type RuleExtractor struct {
	client ChatClient
	schema *jsonschema.Schema
}

// NewRuleExtractor compiles the output schema and wraps client
func NewRuleExtractor(client ChatClient) (*RuleExtractor, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.schema.json", bytes.NewReader(rulesSchema)); err != nil {
		return nil, errors.Wrap(err, "failed to add rules schema")
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile rules schema")
	}
	return &RuleExtractor{client: client, schema: schema}, nil
}

type modelRule struct {
	SectionRef  string   `json:"section_ref"`
	Category    string   `json:"category"`
	Requirement string   `json:"requirement"`
	Value       float64  `json:"value"`
	ValueMax    *float64 `json:"value_max,omitempty"`
	Unit        string   `json:"unit"`
	Title       string   `json:"title"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

type modelOutput struct {
	Rules []modelRule `json:"rules"`
}

// Extract asks the model for rules in content. Output that does not match
// the schema is an extraction failure; the attempt is retried by the scheduler.
func (e *RuleExtractor) Extract(ctx context.Context, content, family string) (*extraction.Result, error) {
	resp, err := e.client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Code family: %s\n\n%s", family, content),
		JSONOutput:   true,
	})
	if err != nil {
		return nil, err
	}

	raw := stripFences(resp.Content)
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "model returned invalid JSON"), "Model: %s", resp.Model)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "model output does not match rules schema"), "Model: %s", resp.Model)
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errors.Wrap(err, "failed to decode rules")
	}

	res := &extraction.Result{
		TokensUsed: resp.Usage.TotalTokens,
		CostUSD:    resp.CostUSD,
		Model:      resp.Model,
	}
	var sum float64
	for _, r := range out.Rules {
		it := resource.Item{
			SectionRef:  r.SectionRef,
			CodeFamily:  family,
			Category:    r.Category,
			Title:       r.Title,
			Requirement: r.Requirement,
			Value:       r.Value,
			ValueMax:    r.ValueMax,
			Unit:        resource.NormalizeUnit(r.Unit),
		}
		if r.Confidence != nil {
			it.Confidence = *r.Confidence
		} else {
			it.Confidence = extraction.Confidence(it, content)
		}
		sum += it.Confidence
		res.Items = append(res.Items, it)
	}
	if len(res.Items) > 0 {
		res.Confidence = sum / float64(len(res.Items))
	}
	return res, nil
}

// EstimateCost prices a call before it is made, for the budget gate
func (e *RuleExtractor) EstimateCost(content string) float64 {
	return openrouter.EstimateCost(e.client.Model(), len(systemPrompt)+len(content), e.client.MaxTokens())
}

// stripFences removes a ```json fence some models wrap output in
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
