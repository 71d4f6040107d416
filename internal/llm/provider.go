// Package llm provides the language-model gateway: provider interfaces,
// a fallback router and the Gemini and Anthropic implementations.
package llm

import (
	"context"
	"errors"
	"log/slog"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"` // sent out-of-band, never as a message
}

// CompletionResponse holds the LLM's response.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	StopReason   string `json:"stop_reason"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "gemini", "anthropic").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Router tries providers in order and falls through to the next one when a
// provider fails.
type Router struct {
	providers []Provider
}

// NewRouter creates a router over providers in priority order.
func NewRouter(providers ...Provider) *Router {
	var ps []Provider
	for _, p := range providers {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &Router{providers: ps}
}

// Len returns the number of configured providers.
func (r *Router) Len() int { return len(r.providers) }

// Names lists the configured providers in priority order.
func (r *Router) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Complete sends req to the first provider that succeeds. Context
// cancellation stops the fallback chain.
func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	var errs []error
	for i, p := range r.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if i < len(r.providers)-1 {
			slog.Warn("LLM provider failed, falling back",
				"provider", p.Name(),
				"next", r.providers[i+1].Name(),
				"error", err,
			)
		}
	}
	return nil, errors.Join(errs...)
}

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = &ProviderError{Message: "no provider configured"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
