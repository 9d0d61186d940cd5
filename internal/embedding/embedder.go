// Package embedding turns text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"omnicontact/internal/metrics"
	"omnicontact/internal/retry"
)

// Kind identifies an embedding provider family. The family fixes the vector
// dimension and therefore the index generation it may be stored in.
type Kind string

const (
	KindWorkersAI Kind = "workersai"
	KindOpenAI    Kind = "openai"
)

const (
	WorkersAIDimensions = 768
	OpenAIDimensions    = 1536

	DefaultBatchSize   = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

var (
	ErrEmptyText         = errors.New("embedding: text must not be empty")
	ErrDimensionMismatch = errors.New("embedding: unexpected vector dimension")
	ErrUnknownKind       = errors.New("embedding: unknown provider")
)

// ParseKind validates a configured provider name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindWorkersAI:
		return KindWorkersAI, nil
	case KindOpenAI:
		return KindOpenAI, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Embedder produces vectors of a single fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Kind() Kind
	Model() string
	Dimensions() int
}

// upstream performs one raw API call for at most one batch.
type upstream interface {
	embed(ctx context.Context, texts []string) ([]indexedVector, error)
}

// indexedVector carries the provider-reported position, or -1 when the
// provider does not report one and order is implied.
type indexedVector struct {
	Index  int
	Values []float32
}

// Client batches, validates and retries calls to one upstream provider.
type Client struct {
	kind      Kind
	model     string
	dims      int
	batchSize int
	policy    retry.Policy
	up        upstream
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type clientConfig struct {
	Kind      Kind
	Model     string
	Dims      int
	BatchSize int
	Policy    retry.Policy
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func newClient(cfg clientConfig, up upstream) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Policy.Backoff == nil {
		cfg.Policy.Backoff = retry.Linear(DefaultRetryDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy.Logger == nil {
		cfg.Policy.Logger = cfg.Logger
	}
	m := cfg.Metrics
	kind := cfg.Kind
	cfg.Policy.OnRetry = func(string, int, error) { m.EmbeddingRetry(string(kind)) }

	return &Client{
		kind:      cfg.Kind,
		model:     cfg.Model,
		dims:      cfg.Dims,
		batchSize: cfg.BatchSize,
		policy:    cfg.Policy,
		up:        up,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

func (c *Client) Kind() Kind      { return c.kind }
func (c *Client) Model() string   { return c.model }
func (c *Client) Dimensions() int { return c.dims }

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in fixed-size batches, one upstream call per batch,
// and returns exactly len(texts) vectors in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyText
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrEmptyText, i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		part := texts[start:end]

		var vecs [][]float32
		op := fmt.Sprintf("embed %s batch %d-%d", c.kind, start, end)
		err := c.policy.Do(ctx, op, func(ctx context.Context) error {
			raw, err := c.up.embed(ctx, part)
			if err != nil {
				c.metrics.EmbeddingCall(string(c.kind), "error")
				return err
			}
			c.metrics.EmbeddingCall(string(c.kind), "ok")
			ordered, err := c.order(raw, len(part))
			if err != nil {
				return err
			}
			vecs = ordered
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("embedding %s: %w", c.kind, err)
		}
		out = append(out, vecs...)
	}

	c.logger.Debug("embedded texts", "provider", c.kind, "count", len(texts))
	return out, nil
}

// order restores input order from provider indices and checks dimensions.
func (c *Client) order(raw []indexedVector, want int) ([][]float32, error) {
	if len(raw) != want {
		return nil, fmt.Errorf("provider returned %d vectors for %d inputs", len(raw), want)
	}
	indexed := raw[0].Index >= 0
	if indexed {
		sort.SliceStable(raw, func(i, j int) bool { return raw[i].Index < raw[j].Index })
		for i, v := range raw {
			if v.Index != i {
				return nil, fmt.Errorf("provider returned index %d at position %d", v.Index, i)
			}
		}
	}

	out := make([][]float32, len(raw))
	for i, v := range raw {
		if len(v.Values) != c.dims {
			return nil, retry.Permanent(fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v.Values), c.dims))
		}
		out[i] = v.Values
	}
	return out, nil
}
