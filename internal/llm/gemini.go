package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// ProviderConfig holds the settings shared by every provider.
type ProviderConfig struct {
	APIKey      string
	Model       string
	BaseURL     string // Anthropic-compatible endpoints only
	MaxOutput   int
	Temperature float64
}

// GeminiProvider implements Provider on the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	cfg    ProviderConfig
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, &ProviderError{Message: "missing API key", Provider: "gemini"}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	contents := toGeminiContents(req.Messages)
	if len(contents) == 0 {
		return nil, &ProviderError{Message: "no messages to send", Provider: p.Name()}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = p.cfg.Temperature
	}
	if temp > 0 {
		t := float32(temp)
		config.Temperature = &t
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxOutput
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Provider: p.Name()}
	}

	out := &CompletionResponse{Model: model}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		out.Content = geminiText(resp.Candidates[0].Content)
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// toGeminiContents maps chat turns onto Gemini roles. System turns travel
// as the system instruction and are skipped here.
func toGeminiContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var role genai.Role
		switch m.Role {
		case RoleUser:
			role = genai.RoleUser
		case RoleAssistant:
			role = genai.RoleModel
		default:
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func geminiText(c *genai.Content) string {
	var b strings.Builder
	for _, part := range c.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
