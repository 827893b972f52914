// Package openai implements the llm.Client port for the OpenAI Chat
// Completions API.
package openai

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
	defaultBaseURL       = "https://api.openai.com"
	defaultTimeout       = 10 * time.Minute
	defaultMaxTokens     = 8192
	defaultMaxConcurrent = 4
)

// Client is an HTTP client for the OpenAI API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   llm.RetryConfig
}

// NewClient creates a new OpenAI client.
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

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_completion_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete makes a request to the Chat Completions API.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"

	var parsed chatResponse
	err = llm.RetryWithBackoff(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: err.Error(), Provider: "openai"}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return llm.NewTimeoutError("openai", err.Error())
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return llm.NewTimeoutError("openai", err.Error())
		}

		if resp.StatusCode >= 400 {
			msg := string(raw)
			var apiErr chatResponse
			if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
				msg = apiErr.Error.Message
			}
			return llm.ClassifyStatus("openai", resp.StatusCode, msg)
		}

		if err := json.Unmarshal(raw, &parsed); err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: fmt.Sprintf("decode response: %v", err), Provider: "openai"}
		}
		return nil
	}, c.retry)
	if err != nil {
		return llm.Response{}, err
	}

	if len(parsed.Choices) == 0 {
		return llm.Response{}, &llm.Error{Type: llm.ErrTypeUnknown, Message: "response carried no choices", Provider: "openai"}
	}

	return llm.Response{
		Text:      parsed.Choices[0].Message.Content,
		Model:     parsed.Model,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}
