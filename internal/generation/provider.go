package generation

import (
	"log/slog"

	"github.com/ashita-ai/kagami/internal/config"
)

// NewFromConfig selects a generation provider based on configuration.
//
// "auto" prefers OpenAI when an API key is present, then Ollama, then the
// static fallback. Explicit provider names bypass the fallback chain so a
// misconfigured deployment fails loudly instead of silently answering
// every question with the stock reply.
func NewFromConfig(cfg config.Config, logger *slog.Logger) Provider {
	switch cfg.GenerationProvider {
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationModel, cfg.JudgeModel, cfg.GenerationTimeout)
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.GenerationModel, cfg.JudgeModel, cfg.GenerationTimeout)
	case "static":
		return NewStaticProvider()
	default: // auto
		if cfg.OpenAIAPIKey != "" {
			return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationModel, cfg.JudgeModel, cfg.GenerationTimeout)
		}
		if cfg.OllamaURL != "" {
			logger.Info("generation: no OpenAI key, using Ollama", "model", cfg.GenerationModel)
			return NewOllamaProvider(cfg.OllamaURL, cfg.GenerationModel, cfg.JudgeModel, cfg.GenerationTimeout)
		}
		logger.Warn("generation: no provider configured, using static replies")
		return NewStaticProvider()
	}
}
