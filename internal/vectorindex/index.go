// Package vectorindex queries nearest-neighbor chunk vectors across index generations.
//
// Each generation holds vectors of one dimension. Embedding providers of
// different dimension never share a generation, so the query vector's length
// decides which generation answers.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// SupportedDimensions lists the accepted vector lengths.
var SupportedDimensions = []int{768, 1536}

const defaultTopK = 5

var (
	ErrUnsupportedDimension = errors.New("vectorindex: unsupported vector dimension")
	ErrGenerationMissing    = errors.New("vectorindex: no index configured for dimension")
	ErrMissingTenant        = errors.New("vectorindex: tenant id required")
)

// Match is one nearest-neighbor hit.
type Match struct {
	ChunkID string  `json:"chunkId"`
	Score   float64 `json:"score"`
}

// Filter restricts a query. TenantID is applied whenever set.
type Filter struct {
	TenantID string
	AgentID  string
}

// Vector is a chunk embedding plus the metadata filters rely on.
type Vector struct {
	ID         string
	Values     []float32
	TenantID   string
	AgentID    string
	DocumentID string
	ChunkIndex int
}

// Index is a single generation backend.
type Index interface {
	Dimensions() int
	Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error)
	Upsert(ctx context.Context, vectors []Vector) error
	Delete(ctx context.Context, ids []string) error
}

// Engine routes queries and writes to the generation matching the vector length.
type Engine struct {
	generations map[int]Index
	logger      *slog.Logger
}

// NewEngine registers one backend per supported dimension.
func NewEngine(logger *slog.Logger, generations ...Index) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{generations: make(map[int]Index), logger: logger}
	for _, g := range generations {
		dims := g.Dimensions()
		if !Supported(dims) {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedDimension, dims)
		}
		if _, dup := e.generations[dims]; dup {
			return nil, fmt.Errorf("vectorindex: duplicate generation for dimension %d", dims)
		}
		e.generations[dims] = g
	}
	return e, nil
}

// Supported reports whether dims is an accepted vector length.
func Supported(dims int) bool {
	return slices.Contains(SupportedDimensions, dims)
}

func (e *Engine) generation(dims int) (Index, error) {
	if !Supported(dims) {
		return nil, fmt.Errorf("%w: %d (supported: %v)", ErrUnsupportedDimension, dims, SupportedDimensions)
	}
	g, ok := e.generations[dims]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrGenerationMissing, dims)
	}
	return g, nil
}

// Search returns up to topK matches ordered by descending score.
func (e *Engine) Search(ctx context.Context, query []float32, topK int, f Filter) ([]Match, error) {
	g, err := e.generation(len(query))
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	matches, err := g.Query(ctx, query, topK, f)
	if err != nil {
		return nil, fmt.Errorf("query %d-dim index: %w", len(query), err)
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	e.logger.Debug("vector search", "dims", len(query), "tenant", f.TenantID, "matches", len(matches))
	return matches, nil
}

// Upsert writes vectors into their generations. Every vector must carry a tenant.
func (e *Engine) Upsert(ctx context.Context, vectors []Vector) error {
	byDim := make(map[int][]Vector)
	for _, v := range vectors {
		if v.TenantID == "" {
			return fmt.Errorf("%w: vector %s", ErrMissingTenant, v.ID)
		}
		if _, err := e.generation(len(v.Values)); err != nil {
			return fmt.Errorf("vector %s: %w", v.ID, err)
		}
		byDim[len(v.Values)] = append(byDim[len(v.Values)], v)
	}
	for dims, batch := range byDim {
		if err := e.generations[dims].Upsert(ctx, batch); err != nil {
			return fmt.Errorf("upsert %d-dim index: %w", dims, err)
		}
	}
	return nil
}

// Delete removes ids from the generation of the given dimension.
func (e *Engine) Delete(ctx context.Context, dims int, ids []string) error {
	g, err := e.generation(dims)
	if err != nil {
		return err
	}
	return g.Delete(ctx, ids)
}
