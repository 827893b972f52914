// Package llm defines the thin client port through which analysis
// voices reach external model providers, plus the shared error and
// retry machinery the provider clients use.
package llm

import "context"

// Request carries one completion call.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is the provider's completion output.
type Response struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// Client is the outbound port for one provider.
type Client interface {
	// Complete performs a single completion call. Implementations retry
	// transient failures internally and honour ctx cancellation at the
	// HTTP boundary.
	Complete(ctx context.Context, req Request) (Response, error)

	// MaxConcurrent is the provider's concurrent-call budget; zero
	// means no provider-specific limit.
	MaxConcurrent() int
}

// Registry resolves provider names to clients.
type Registry map[string]Client
