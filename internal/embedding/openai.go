package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"omnicontact/internal/metrics"
	"omnicontact/internal/retry"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the hosted fallback embedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	BatchSize int
	Policy    retry.Policy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type openAIEmbeddings struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAI creates the 1536-dimension hosted embedder.
func NewOpenAI(cfg OpenAIConfig) *Client {
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	up := &openAIEmbeddings{
		client: openai.NewClientWithConfig(oc),
		model:  openai.EmbeddingModel(cfg.Model),
	}
	return newClient(clientConfig{
		Kind:      KindOpenAI,
		Model:     cfg.Model,
		Dims:      OpenAIDimensions,
		BatchSize: cfg.BatchSize,
		Policy:    cfg.Policy,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
	}, up)
}

func (o *openAIEmbeddings) embed(ctx context.Context, texts []string) ([]indexedVector, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		if isClientError(err) {
			return nil, retry.Permanent(fmt.Errorf("openai embeddings: %w", err))
		}
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	vecs := make([]indexedVector, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = indexedVector{Index: d.Index, Values: d.Embedding}
	}
	return vecs, nil
}

// isClientError reports a 4xx other than 429, which retrying will not fix.
func isClientError(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
