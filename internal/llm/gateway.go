package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response")

// GatewayError wraps every failure of Gateway.Send.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string { return "llm gateway: " + e.Err.Error() }

func (e *GatewayError) Unwrap() error { return e.Err }

// Completer is satisfied by Router and by any single Provider.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Gateway turns an ordered conversation into one trimmed reply.
type Gateway struct {
	backend Completer
}

// NewGateway creates a gateway over backend.
func NewGateway(backend Completer) *Gateway {
	return &Gateway{backend: backend}
}

// Send submits turns with the system instruction passed out-of-band.
// System turns inside turns are dropped. The reply is trimmed; an empty
// reply or any backend failure yields a *GatewayError.
func (g *Gateway) Send(ctx context.Context, turns []Message, system string) (string, error) {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, t)
	}
	if len(msgs) == 0 {
		return "", &GatewayError{Err: errors.New("no messages to send")}
	}

	resp, err := g.backend.Complete(ctx, CompletionRequest{
		Messages: msgs,
		System:   system,
	})
	if err != nil {
		return "", &GatewayError{Err: err}
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &GatewayError{Err: fmt.Errorf("model %s: %w", resp.Model, ErrEmptyResponse)}
	}
	slog.Debug("LLM raw response",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"len", len(text),
	)
	return text, nil
}
