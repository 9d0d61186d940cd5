package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"omnicontact/internal/domain"
)

// FailoverProvider tries a different backend when the primary fails. It never
// retries the same backend; with a single provider it is a plain pass-through.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain from the given providers.
// At least one provider is required.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, ",") + ")"
}

// Model reports the primary's model.
func (fp *FailoverProvider) Model() string {
	if len(fp.providers) > 0 {
		return fp.providers[0].Model()
	}
	return ""
}

// Chat tries each provider in order. Returns the first successful response.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.providers) == 0 {
		return nil, fmt.Errorf("failover: no providers configured")
	}
	var lastErr error
	for i, p := range fp.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := req
		if i > 0 {
			// A model name belongs to the backend it was configured for.
			r.Model = ""
		}
		resp, err := p.Chat(ctx, r)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider",
					"provider", p.Name(),
					"attempt", i+1,
				)
			}
			return resp, nil
		}
		lastErr = err
		fp.logger.Warn("failover: provider failed",
			"provider", p.Name(),
			"attempt", i+1,
			"error", err,
		)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
