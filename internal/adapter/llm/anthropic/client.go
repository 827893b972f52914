// Package anthropic implements the llm.Client port for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
)

const (
	defaultBaseURL          = "https://api.anthropic.com"
	defaultTimeout          = 10 * time.Minute
	defaultMaxTokens        = 8192
	defaultMaxConcurrent    = 4
	defaultAnthropicVersion = "2023-06-01"
)

// Client is an HTTP client for the Anthropic API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   llm.RetryConfig
}

// NewClient creates a new Anthropic client.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		retry:   llm.DefaultRetryConfig(),
	}
}

// SetBaseURL sets a custom base URL (for testing).
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// SetRetryConfig overrides the retry schedule (for testing).
func (c *Client) SetRetryConfig(cfg llm.RetryConfig) {
	c.retry = cfg
}

// MaxConcurrent returns the provider's concurrent-call budget.
func (c *Client) MaxConcurrent() int { return defaultMaxConcurrent }

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete makes a request to the Anthropic Messages API.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:       req.Model,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/v1/messages"

	var parsed messagesResponse
	err = llm.RetryWithBackoff(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: err.Error(), Provider: "anthropic"}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", defaultAnthropicVersion)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return llm.NewTimeoutError("anthropic", err.Error())
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return llm.NewTimeoutError("anthropic", err.Error())
		}

		if resp.StatusCode >= 400 {
			msg := string(raw)
			var apiErr messagesResponse
			if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
				msg = apiErr.Error.Message
			}
			return llm.ClassifyStatus("anthropic", resp.StatusCode, msg)
		}

		if err := json.Unmarshal(raw, &parsed); err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: fmt.Sprintf("decode response: %v", err), Provider: "anthropic"}
		}
		return nil
	}, c.retry)
	if err != nil {
		return llm.Response{}, err
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return llm.Response{
		Text:      text,
		Model:     parsed.Model,
		TokensIn:  parsed.Usage.InputTokens,
		TokensOut: parsed.Usage.OutputTokens,
	}, nil
}
