package domain

import (
	"context"
	"time"
)

type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingPartial   EmbeddingStatus = "partial"
	EmbeddingError     EmbeddingStatus = "error"
)

// Document is a knowledge source owning one or more chunks.
type Document struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	AgentID         string            `json:"agent_id,omitempty"`
	Title           string            `json:"title"`
	URL             string            `json:"url,omitempty"`
	SourceType      string            `json:"source_type"` // text | url | file
	Metadata        map[string]string `json:"metadata,omitempty"`
	ChunkCount      int               `json:"chunk_count"`
	EmbeddingStatus EmbeddingStatus   `json:"embedding_status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Chunk is the retrieval unit. Document fields are filled in by hydration.
type Chunk struct {
	ID              string          `json:"id"`
	DocumentID      string          `json:"document_id"`
	TenantID        string          `json:"tenant_id"`
	ChunkIndex      int             `json:"chunk_index"`
	Content         string          `json:"content"`
	TokenCount      int             `json:"token_count"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`
	EmbeddingModel  string          `json:"embedding_model,omitempty"`
	EmbeddingDim    int             `json:"embedding_dim,omitempty"`

	DocumentTitle    string            `json:"document_title,omitempty"`
	DocumentURL      string            `json:"document_url,omitempty"`
	DocumentSource   string            `json:"document_source,omitempty"`
	DocumentMetadata map[string]string `json:"document_metadata,omitempty"`
}

// ScoredChunk is a hydrated chunk with its retrieval score re-attached.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Source is the provenance of an answer.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SearchLog is one observability record per RAG query.
type SearchLog struct {
	TenantID          string
	AgentID           string
	Query             string
	ResultsCount      int
	TopScore          float64
	ProcessingTimeMs  int64
	EmbeddingProvider string
	CreatedAt         time.Time
}

// KnowledgeStore is the durable side of retrieval and indexing.
type KnowledgeStore interface {
	CreateDocument(ctx context.Context, doc *Document, chunks []Chunk) error
	UpdateChunkEmbedding(ctx context.Context, chunkID string, status EmbeddingStatus, model string, dim int) error
	SetDocumentStatus(ctx context.Context, docID string, status EmbeddingStatus) error
	Hydrate(ctx context.Context, chunkIDs []string) ([]Chunk, error)
	LogSearch(ctx context.Context, entry SearchLog) error
}
