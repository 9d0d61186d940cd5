package provider

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnicontact/internal/domain"
)

// Backend selects the chat API. It is configured explicitly; API keys are
// never inspected to guess it.
type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
)

// ParseBackend accepts the configured backend name. "claude" is an alias of anthropic.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return BackendOpenAI, nil
	case "anthropic", "claude":
		return BackendAnthropic, nil
	}
	return "", fmt.Errorf("unknown llm backend %q (want openai or anthropic)", s)
}

// Config is the backend-neutral provider configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// New builds the provider for backend.
func New(backend Backend, cfg Config) (domain.Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("provider %s: missing API key", backend)
	}
	switch backend {
	case BackendOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		}), nil
	case BackendAnthropic:
		return NewClaude(ClaudeConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown llm backend %q", backend)
}
