// Package gemini implements the llm.Client port for the Google Gemini
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
)

const (
	defaultBaseURL       = "https://generativelanguage.googleapis.com"
	defaultTimeout       = 10 * time.Minute
	defaultMaxConcurrent = 2
)

// Client is an HTTP client for the Gemini API.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   llm.RetryConfig
}

// NewClient creates a new Gemini client.
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

type generateRequest struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete makes a request to the generateContent API.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		body.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(req.Model), url.QueryEscape(c.apiKey))

	var parsed generateResponse
	err = llm.RetryWithBackoff(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: err.Error(), Provider: "gemini"}
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return llm.NewTimeoutError("gemini", err.Error())
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return llm.NewTimeoutError("gemini", err.Error())
		}

		if resp.StatusCode >= 400 {
			msg := string(raw)
			var apiErr generateResponse
			if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != nil {
				msg = apiErr.Error.Message
			}
			return llm.ClassifyStatus("gemini", resp.StatusCode, msg)
		}

		if err := json.Unmarshal(raw, &parsed); err != nil {
			return &llm.Error{Type: llm.ErrTypeUnknown, Message: fmt.Sprintf("decode response: %v", err), Provider: "gemini"}
		}
		return nil
	}, c.retry)
	if err != nil {
		return llm.Response{}, err
	}

	if len(parsed.Candidates) == 0 {
		return llm.Response{}, &llm.Error{Type: llm.ErrTypeUnknown, Message: "response carried no candidates", Provider: "gemini"}
	}

	var text string
	for _, p := range parsed.Candidates[0].Content.Parts {
		text += p.Text
	}

	return llm.Response{
		Text:      text,
		Model:     req.Model,
		TokensIn:  parsed.UsageMetadata.PromptTokenCount,
		TokensOut: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}
