package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"omnicontact/internal/domain"
	"omnicontact/internal/embedding"
	"omnicontact/internal/vectorindex"

	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkWords   = 200
	defaultOverlapWords = 30
	defaultConcurrency  = 2
)

var ErrEmptyDocument = errors.New("knowledge: document has no content")

// VectorWriter is the write side of the vector index.
type VectorWriter interface {
	Upsert(ctx context.Context, vectors []vectorindex.Vector) error
}

// DocumentWriter persists documents, chunks and their embedding status.
type DocumentWriter interface {
	CreateDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error
	UpdateChunkEmbedding(ctx context.Context, chunkID string, status domain.EmbeddingStatus, model string, dim int) error
	SetDocumentStatus(ctx context.Context, docID string, status domain.EmbeddingStatus) error
}

type IndexerConfig struct {
	Store       DocumentWriter
	Embedders   EmbedderSource
	Index       VectorWriter
	ChunkSize   int // words per chunk (default: 200)
	Overlap     int // overlapping words between chunks (default: 30)
	Concurrency int // embedding batches in flight (default: 2)
	Logger      *slog.Logger
}

// Indexer chunks a document, embeds the chunks and writes them to the index
// generation of the chosen provider.
type Indexer struct {
	store       DocumentWriter
	embedders   EmbedderSource
	index       VectorWriter
	chunkSize   int
	overlap     int
	concurrency int
	logger      *slog.Logger
}

func NewIndexer(cfg IndexerConfig) *Indexer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkWords
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = min(defaultOverlapWords, cfg.ChunkSize/2)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indexer{
		store:       cfg.Store,
		embedders:   cfg.Embedders,
		index:       cfg.Index,
		chunkSize:   cfg.ChunkSize,
		overlap:     cfg.Overlap,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

type IndexRequest struct {
	TenantID   string            `json:"tenantId"`
	AgentID    string            `json:"agentId,omitempty"`
	Title      string            `json:"title"`
	URL        string            `json:"url,omitempty"`
	SourceType string            `json:"sourceType,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Content    string            `json:"content"`
	Provider   embedding.Kind    `json:"provider,omitempty"`
}

// Index stores the document and embeds every chunk. A failed batch marks its
// chunks as errored without failing the others; the document status is
// completed, partial or error accordingly.
func (ix *Indexer) Index(ctx context.Context, req IndexRequest) (*domain.Document, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidQuery)
	}
	emb, err := ix.embedders.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	texts := chunkText(req.Content, ix.chunkSize, ix.overlap)
	if len(texts) == 0 {
		return nil, ErrEmptyDocument
	}

	chunks := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = domain.Chunk{
			ChunkIndex: i,
			Content:    t,
			TokenCount: EstimateTokens(domain.Chunk{Content: t}),
		}
	}
	doc := &domain.Document{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Title:      req.Title,
		URL:        req.URL,
		SourceType: req.SourceType,
		Metadata:   req.Metadata,
	}
	if err := ix.store.CreateDocument(ctx, doc, chunks); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	completed := make([]bool, len(chunks))
	var g errgroup.Group
	g.SetLimit(ix.concurrency)
	for start := 0; start < len(chunks); start += embedding.DefaultBatchSize {
		start := start
		end := min(start+embedding.DefaultBatchSize, len(chunks))
		g.Go(func() error {
			ok := ix.embedRange(ctx, emb, doc, chunks[start:end])
			for i := start; i < end; i++ {
				completed[i] = ok
			}
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for i, ok := range completed {
		status, model, dims := domain.EmbeddingError, "", 0
		if ok {
			n++
			status, model, dims = domain.EmbeddingCompleted, emb.Model(), emb.Dimensions()
		}
		if err := ix.store.UpdateChunkEmbedding(ctx, chunks[i].ID, status, model, dims); err != nil {
			ix.logger.Warn("chunk status update failed", "chunk", chunks[i].ID, "err", err)
		}
	}

	doc.EmbeddingStatus = aggregateStatus(n, len(chunks))
	if err := ix.store.SetDocumentStatus(ctx, doc.ID, doc.EmbeddingStatus); err != nil {
		ix.logger.Warn("document status update failed", "document", doc.ID, "err", err)
	}
	ix.logger.Info("document indexed",
		"document", doc.ID, "tenant", doc.TenantID, "chunks", len(chunks),
		"embedded", n, "provider", emb.Kind(), "status", doc.EmbeddingStatus)
	return doc, nil
}

func (ix *Indexer) embedRange(ctx context.Context, emb embedding.Embedder, doc *domain.Document, chunks []domain.Chunk) bool {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		ix.logger.Error("embedding batch failed", "document", doc.ID, "first_chunk", chunks[0].ChunkIndex, "err", err)
		return false
	}

	vectors := make([]vectorindex.Vector, len(chunks))
	for i, c := range chunks {
		vectors[i] = vectorindex.Vector{
			ID:         c.ID,
			Values:     vecs[i],
			TenantID:   doc.TenantID,
			AgentID:    doc.AgentID,
			DocumentID: doc.ID,
			ChunkIndex: c.ChunkIndex,
		}
	}
	if err := ix.index.Upsert(ctx, vectors); err != nil {
		ix.logger.Error("vector upsert failed", "document", doc.ID, "first_chunk", chunks[0].ChunkIndex, "err", err)
		return false
	}
	return true
}

func aggregateStatus(completed, total int) domain.EmbeddingStatus {
	switch {
	case total > 0 && completed == total:
		return domain.EmbeddingCompleted
	case completed > 0:
		return domain.EmbeddingPartial
	}
	return domain.EmbeddingError
}

// chunkText splits text into overlapping windows of size words.
func chunkText(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for i := 0; i < len(words); i += step {
		end := min(i+size, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " "))
		if end >= len(words) {
			break
		}
	}
	return chunks
}
