package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnicontact/internal/domain"
	"omnicontact/internal/embedding"
	"omnicontact/internal/metrics"
	"omnicontact/internal/vectorindex"
)

// NoInformationAnswer is returned when retrieval finds nothing for the tenant.
const NoInformationAnswer = "I could not find any relevant information in the knowledge base to answer this question."

const defaultTopK = 5

var ErrInvalidQuery = errors.New("knowledge: invalid query")

// EmbedderSource resolves an embedding provider; "" means the process default.
type EmbedderSource interface {
	Get(kind embedding.Kind) (embedding.Embedder, error)
}

// Searcher is the nearest-neighbor side of the vector index.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int, f vectorindex.Filter) ([]vectorindex.Match, error)
}

// ChunkReader hydrates matches and records queries.
type ChunkReader interface {
	Hydrate(ctx context.Context, chunkIDs []string) ([]domain.Chunk, error)
	LogSearch(ctx context.Context, entry domain.SearchLog) error
}

// Answerer produces the grounded answer.
type Answerer interface {
	Generate(ctx context.Context, question, contextText string) (Answer, error)
}

type Query struct {
	Question string         `json:"question"`
	TenantID string         `json:"tenantId"`
	AgentID  string         `json:"agentId,omitempty"`
	TopK     int            `json:"topK,omitempty"`
	Provider embedding.Kind `json:"provider,omitempty"`
}

type Result struct {
	Answer           string          `json:"answer"`
	Sources          []domain.Source `json:"sources"`
	ChunksUsed       int             `json:"chunksUsed"`
	Confidence       float64         `json:"confidence"`
	ProcessingTimeMs int64           `json:"processingTimeMs"`
	Provider         string          `json:"provider,omitempty"`
	Model            string          `json:"model,omitempty"`
}

type PipelineConfig struct {
	Embedders        EmbedderSource
	Index            Searcher
	Store            ChunkReader
	Generator        Answerer
	MaxContextTokens int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Pipeline runs retrieval-augmented question answering.
type Pipeline struct {
	embedders EmbedderSource
	index     Searcher
	store     ChunkReader
	generator Answerer
	maxTokens int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		embedders: cfg.Embedders,
		index:     cfg.Index,
		store:     cfg.Store,
		generator: cfg.Generator,
		maxTokens: cfg.MaxContextTokens,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Ask embeds the question, retrieves the tenant's closest chunks and answers
// from them. With no matches it answers NoInformationAnswer without calling
// the model. Every query that reaches retrieval is logged once.
func (p *Pipeline) Ask(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	q.Question = strings.TrimSpace(q.Question)
	if q.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidQuery)
	}
	if q.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidQuery)
	}
	if q.TopK <= 0 {
		q.TopK = defaultTopK
	}

	emb, err := p.embedders.Get(q.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	vec, err := emb.Embed(ctx, q.Question)
	if err != nil {
		p.metrics.RAGQuery(string(emb.Kind()), "error", time.Since(start))
		return nil, fmt.Errorf("embed question: %w", err)
	}

	matches, err := p.index.Search(ctx, vec, q.TopK, vectorindex.Filter{TenantID: q.TenantID, AgentID: q.AgentID})
	if err != nil {
		p.metrics.RAGQuery(string(emb.Kind()), "error", time.Since(start))
		return nil, fmt.Errorf("vector search: %w", err)
	}

	entry := domain.SearchLog{
		TenantID:          q.TenantID,
		AgentID:           q.AgentID,
		Query:             q.Question,
		ResultsCount:      len(matches),
		EmbeddingProvider: string(emb.Kind()),
	}
	if len(matches) > 0 {
		entry.TopScore = matches[0].Score
	}

	res, err := p.answer(ctx, q, matches)
	entry.ProcessingTimeMs = time.Since(start).Milliseconds()
	p.logSearch(ctx, entry)

	outcome := "answered"
	switch {
	case err != nil:
		outcome = "error"
	case res.ChunksUsed == 0:
		outcome = "no_match"
	}
	p.metrics.RAGQuery(string(emb.Kind()), outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	res.ProcessingTimeMs = entry.ProcessingTimeMs
	return res, nil
}

func (p *Pipeline) answer(ctx context.Context, q Query, matches []vectorindex.Match) (*Result, error) {
	if len(matches) == 0 {
		return noInformation(), nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
		scores[m.ChunkID] = m.Score
	}
	chunks, err := p.store.Hydrate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	if len(chunks) == 0 {
		p.logger.Warn("index matches missing from store", "tenant", q.TenantID, "matches", len(matches))
		return noInformation(), nil
	}

	scored := make([]domain.ScoredChunk, len(chunks))
	top := 0.0
	for i, c := range chunks {
		scored[i] = domain.ScoredChunk{Chunk: c, Score: scores[c.ID]}
		if i == 0 || scored[i].Score > top {
			top = scored[i].Score
		}
	}
	assembled := Assemble(scored, p.maxTokens)

	ans, err := p.generator.Generate(ctx, q.Question, assembled.Context)
	if err != nil {
		return nil, err
	}
	return &Result{
		Answer:     ans.Text,
		Sources:    assembled.Sources,
		ChunksUsed: len(assembled.ChunkIDs),
		Confidence: top,
		Provider:   ans.Provider,
		Model:      ans.Model,
	}, nil
}

func (p *Pipeline) logSearch(ctx context.Context, entry domain.SearchLog) {
	if err := p.store.LogSearch(ctx, entry); err != nil {
		p.metrics.PersistenceError("search_log")
		p.logger.Warn("search log failed", "tenant", entry.TenantID, "err", err)
	}
}

func noInformation() *Result {
	return &Result{
		Answer:     NoInformationAnswer,
		Sources:    []domain.Source{},
		ChunksUsed: 0,
		Confidence: 0,
	}
}
