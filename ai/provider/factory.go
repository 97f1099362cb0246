// Package provider selects the extraction backend from configuration.
package provider

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/ai/llm"
	"github.com/teranos/codeload/ai/openrouter"
	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/extraction"
)

// ProviderType identifies an extraction backend
type ProviderType string

const (
	// ProviderTypeHeuristic runs the offline pattern extractor; no spend
	ProviderTypeHeuristic ProviderType = "heuristic"
	// ProviderTypeOpenRouter runs a chat model through OpenRouter
	ProviderTypeOpenRouter ProviderType = "openrouter"
	// ProviderTypeAuto picks openrouter when an API key is configured
	ProviderTypeAuto ProviderType = "auto"
)

// DetermineProvider resolves the backend. explicit (a CLI flag) wins over
// extraction.provider; "auto" falls back to heuristic without an API key.
func DetermineProvider(cfg *am.Config, explicit string) (ProviderType, error) {
	choice := strings.ToLower(strings.TrimSpace(explicit))
	if choice == "" {
		choice = strings.ToLower(strings.TrimSpace(cfg.Extraction.Provider))
	}

	switch ProviderType(choice) {
	case "", ProviderTypeHeuristic:
		return ProviderTypeHeuristic, nil
	case ProviderTypeOpenRouter:
		if cfg.Extraction.APIKey == "" {
			return "", errors.WithHint(
				errors.New("openrouter provider selected without an API key"),
				"set OPENROUTER_API_KEY or extraction.api_key")
		}
		return ProviderTypeOpenRouter, nil
	case ProviderTypeAuto:
		if cfg.Extraction.APIKey != "" {
			return ProviderTypeOpenRouter, nil
		}
		return ProviderTypeHeuristic, nil
	default:
		return "", errors.NewInvalidInputError("unknown extraction provider %q", choice)
	}
}

// NewExtractor builds the configured extractor. log may be nil.
func NewExtractor(cfg *am.Config, explicit string, log *zap.SugaredLogger) (extraction.Extractor, ProviderType, error) {
	kind, err := DetermineProvider(cfg, explicit)
	if err != nil {
		return nil, "", err
	}

	if kind == ProviderTypeHeuristic {
		return extraction.NewHeuristicExtractor(), kind, nil
	}

	client := openrouter.NewClient(openrouter.Config{
		APIKey:      cfg.Extraction.APIKey,
		BaseURL:     cfg.Extraction.BaseURL,
		Model:       cfg.Extraction.Model,
		Temperature: cfg.Extraction.Temperature,
		MaxTokens:   cfg.Extraction.MaxTokens,
		Timeout:     time.Duration(cfg.Extraction.TimeoutSeconds) * time.Second,
		Logger:      log,
	})
	ext, err := llm.NewRuleExtractor(client)
	if err != nil {
		return nil, "", err
	}
	return ext, kind, nil
}
