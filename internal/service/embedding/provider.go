package embedding

import (
	"log/slog"

	"github.com/ashita-ai/kagami/internal/config"
)

// NewFromConfig selects an embedding provider based on configuration.
//
// "auto" prefers OpenAI when an API key is present, then Ollama, then noop.
// Explicit provider names bypass the fallback chain so a misconfigured
// deployment fails loudly instead of silently degrading to zero vectors.
func NewFromConfig(cfg config.Config, logger *slog.Logger) Provider {
	switch cfg.EmbeddingProvider {
	case "openai":
		return newOpenAI(cfg)
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "noop":
		return NewNoopProvider(cfg.EmbeddingDimensions)
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			return newOpenAI(cfg)
		}
		if cfg.OllamaURL != "" {
			logger.Info("embedding: no OpenAI key, using Ollama", "model", cfg.OllamaModel)
			return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		}
		logger.Warn("embedding: no provider configured, using noop (zero vectors)")
		return NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

func newOpenAI(cfg config.Config) *OpenAIProvider {
	return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
}
