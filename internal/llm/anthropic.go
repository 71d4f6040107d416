package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements the Provider interface for Claude and
// Anthropic-compatible APIs.
type AnthropicProvider struct {
	client *anthropic.Client
	cfg    ProviderConfig
	name   string
}

// NewAnthropic creates an Anthropic provider. A non-empty BaseURL points it
// at an Anthropic-compatible endpoint, in which case name identifies that
// provider in logs.
func NewAnthropic(name string, cfg ProviderConfig) *AnthropicProvider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{client: &client, cfg: cfg, name: name}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(p.cfg.MaxOutput)
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = p.cfg.Temperature
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	// Streaming keeps slow generations from hitting the SDK request timeout.
	stream := p.client.Messages.NewStreaming(ctx, params,
		option.WithRequestTimeout(2*time.Minute),
	)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.name,
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, &ProviderError{Message: err.Error(), Provider: p.name}
	}

	var content string
	for _, block := range message.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += textBlock.Text
		}
	}
	return &CompletionResponse{
		Content:      content,
		Model:        string(message.Model),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}
