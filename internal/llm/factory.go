package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/config"
)

// NewCompleter creates the Completer selected by cfg.Provider.
func NewCompleter(cfg config.LLMConfig, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))

	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			MaxTokens:         int64(cfg.MaxTokens),
			Timeout:           cfg.Timeout,
			System:            cfg.SystemPrompt,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Logger:            logger,
		}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			BaseURL:           cfg.BaseURL,
			Timeout:           cfg.Timeout,
			System:            cfg.SystemPrompt,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Logger:            logger,
		}), nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Timeout:           cfg.Timeout,
			System:            cfg.SystemPrompt,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
			Logger:            logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
