package daemon

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nous-labs/questbuddy/internal/llm"
)

// BuildGateway creates the providers named in cfg.Provider, in order, and
// wraps them in a fallback router. Providers without credentials are
// skipped with a warning; with none left every request fails and the
// pipeline answers with its apology.
func BuildGateway(ctx context.Context, cfg LLMConfig) (*llm.Gateway, *llm.Router) {
	var providers []llm.Provider
	for _, name := range cfg.Provider {
		p := providerFor(ctx, strings.ToLower(name), cfg)
		if p == nil {
			continue
		}
		providers = append(providers, p)
	}

	router := llm.NewRouter(providers...)
	if router.Len() == 0 {
		slog.Warn("no LLM providers configured, chat replies will be apologies")
	}
	return llm.NewGateway(router), router
}

func providerFor(ctx context.Context, name string, cfg LLMConfig) llm.Provider {
	switch name {
	case "gemini":
		p, err := llm.NewGemini(ctx, toProviderConfig(cfg.Gemini))
		if err != nil {
			slog.Warn("gemini provider unavailable", "error", err)
			return nil
		}
		slog.Info("LLM provider configured", "provider", "gemini", "model", cfg.Gemini.Model)
		return p
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			slog.Warn("anthropic provider unavailable", "error", "missing API key")
			return nil
		}
		slog.Info("LLM provider configured", "provider", "anthropic", "model", cfg.Anthropic.Model, "base_url", cfg.Anthropic.BaseURL)
		return llm.NewAnthropic("anthropic", toProviderConfig(cfg.Anthropic))
	default:
		slog.Warn("unknown LLM provider ignored", "provider", name)
		return nil
	}
}

func toProviderConfig(c ProviderConfig) llm.ProviderConfig {
	return llm.ProviderConfig{
		APIKey:      c.APIKey,
		Model:       c.Model,
		BaseURL:     c.BaseURL,
		MaxOutput:   c.MaxOutput,
		Temperature: c.Temperature,
	}
}
