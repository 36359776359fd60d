// Package resolve builds a loom.Model from a provider-agnostic Config.
package resolve

import (
	"fmt"
	"log/slog"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a Model.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil/zero = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int

	Logger *slog.Logger
}

// Model creates a loom.Model from cfg. Unknown providers are accepted when
// BaseURL is set, so any OpenAI-compatible endpoint can be named freely.
func Model(cfg Config) (loom.Model, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q (set base_url)", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("resolve: provider %q: model is required", cfg.Provider)
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}
	if cfg.Logger != nil {
		provOpts = append(provOpts, openaicompat.WithLogger(cfg.Logger))
	}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "", "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	default:
		return ""
	}
}
