// Package openrouter is a minimal chat-completions client for OpenRouter,
// used by the LLM rule extractor.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/internal/httpclient"
)

const (
	// DefaultModel matches extraction.model in am defaults
	DefaultModel = "openai/gpt-4o-mini"

	// DefaultBaseURL is the public OpenRouter API
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

// Client talks to the OpenRouter chat completions endpoint
type Client struct {
	baseURL    string
	httpClient *httpclient.SaferClient
	config     Config
	logger     *zap.SugaredLogger
}

// Config holds client configuration
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64 // nil = 0.2
	MaxTokens   *int     // nil = 1000
	Timeout     time.Duration
	MaxAttempts int                // 0 = 3
	Title       string             // X-Title header for the OpenRouter dashboard
	Logger      *zap.SugaredLogger // nil = nop
}

// NewClient creates a client, applying defaults
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Temperature == nil {
		t := 0.2
		config.Temperature = &t
	}
	if config.MaxTokens == nil {
		n := 1000
		config.MaxTokens = &n
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Title == "" {
		config.Title = "codeload"
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpclient.New(config.Timeout, httpclient.Options{}),
		config:     config,
		logger:     log,
	}
}

// ChatCompletionRequest is the wire request
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat asks the model for JSON output
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is the wire response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is token accounting for one call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is a high-level request
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	JSONOutput   bool
}

// ChatResponse is the model's answer plus what it cost
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
	CostUSD float64
}

// CreateChatCompletion sends one request without retries
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("X-Title", c.config.Title)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
		return nil, errors.WithStack(err)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &chatResp, nil
}

// Chat sends a request with retries on transient failures and prices the result
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, errors.WithHint(errors.New("OpenRouter API key not configured"),
			"set CODELOAD_EXTRACTION_API_KEY or OPENROUTER_API_KEY, or use extraction.provider = \"heuristic\"")
	}

	messages := []Message{{Role: "user", Content: req.UserPrompt}}
	if req.SystemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}
	wireReq := ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: *c.config.Temperature,
		MaxTokens:   *c.config.MaxTokens,
	}
	if req.JSONOutput {
		wireReq.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	var resp *ChatCompletionResponse
	var err error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			c.logger.Debugw("Retrying OpenRouter request", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "OpenRouter request cancelled")
			case <-time.After(delay):
			}
		}

		resp, err = c.CreateChatCompletion(ctx, wireReq)
		if err == nil {
			break
		}
		c.logger.Warnw("OpenRouter API error", "attempt", attempt+1, "error", err, "model", c.config.Model)
		if !isRetryableError(err) {
			return nil, errors.Wrap(err, "OpenRouter API error")
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "OpenRouter API error after %d attempts", c.config.MaxAttempts)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no response choices from OpenRouter")
	}

	model := resp.Model
	if model == "" {
		model = c.config.Model
	}
	return &ChatResponse{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:   model,
		Usage:   resp.Usage,
		CostUSD: CalculateCost(c.config.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

// Model is the configured model name
func (c *Client) Model() string { return c.config.Model }

// MaxTokens is the configured completion limit
func (c *Client) MaxTokens() int { return *c.config.MaxTokens }

// IsConfigured reports whether an API key is set
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// SetHTTPClient overrides the HTTP client. Tests only: the wrapped client
// does not block private hosts.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}

// StatusError is a non-200 API response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// isRetryableError reports network failures, 429 and 5xx responses
func isRetryableError(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode == http.StatusTooManyRequests || status.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset by peer", "connection refused", "temporary failure", "network is unreachable", "i/o timeout"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
