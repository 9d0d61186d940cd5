package store

import (
	"context"
	"encoding/json"
	"fmt"

	"omnicontact/internal/domain"

	"github.com/google/uuid"
)

// CreateDocument inserts the document and its chunks in one transaction.
// Missing ids are assigned; chunks inherit the document's tenant.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	if doc.SourceType == "" {
		doc.SourceType = "text"
	}
	if doc.EmbeddingStatus == "" {
		doc.EmbeddingStatus = domain.EmbeddingPending
	}
	doc.ChunkCount = len(chunks)

	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO documents
		(id, tenant_id, agent_id, title, url, source_type, metadata, chunk_count, embedding_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		doc.ID, doc.TenantID, doc.AgentID, doc.Title, doc.URL, doc.SourceType, meta,
		doc.ChunkCount, string(doc.EmbeddingStatus), doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO chunks
		(id, document_id, tenant_id, chunk_index, content, token_count, embedding_status, embedding_model, embedding_dim)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.DocumentID = doc.ID
		c.TenantID = doc.TenantID
		if c.EmbeddingStatus == "" {
			c.EmbeddingStatus = domain.EmbeddingPending
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.TenantID, c.ChunkIndex, c.Content,
			c.TokenCount, string(c.EmbeddingStatus), c.EmbeddingModel, c.EmbeddingDim); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateChunkEmbedding(ctx context.Context, chunkID string, status domain.EmbeddingStatus, model string, dim int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE chunks
		SET embedding_status = ?, embedding_model = ?, embedding_dim = ? WHERE id = ?`),
		string(status), model, dim, chunkID)
	if err != nil {
		return fmt.Errorf("update chunk embedding: %w", err)
	}
	return expectRow(res, "chunk", chunkID)
}

func (s *Store) SetDocumentStatus(ctx context.Context, docID string, status domain.EmbeddingStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE documents SET embedding_status = ? WHERE id = ?`),
		string(status), docID)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return expectRow(res, "document", docID)
}

// GetDocument returns nil, nil when the document does not exist.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.Document, error) {
	var (
		doc          domain.Document
		meta, status string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, tenant_id, agent_id, title, url, source_type,
			metadata, chunk_count, embedding_status, created_at
		FROM documents WHERE id = ?`), id).Scan(
		&doc.ID, &doc.TenantID, &doc.AgentID, &doc.Title, &doc.URL, &doc.SourceType,
		&meta, &doc.ChunkCount, &status, &doc.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	doc.EmbeddingStatus = domain.EmbeddingStatus(status)
	doc.Metadata = decodeMetadata(meta)
	return &doc, nil
}

// Hydrate loads chunks joined with their documents, ordered by document then
// chunk index. Unknown ids are skipped.
func (s *Store) Hydrate(ctx context.Context, chunkIDs []string) ([]domain.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT c.id, c.document_id, c.tenant_id, c.chunk_index,
			c.content, c.token_count, c.embedding_status, c.embedding_model, c.embedding_dim,
			d.title, d.url, d.source_type, d.metadata
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (`+placeholders(len(chunkIDs))+`)
		ORDER BY c.document_id, c.chunk_index`), args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var (
			c            domain.Chunk
			status, meta string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.ChunkIndex,
			&c.Content, &c.TokenCount, &status, &c.EmbeddingModel, &c.EmbeddingDim,
			&c.DocumentTitle, &c.DocumentURL, &c.DocumentSource, &meta); err != nil {
			return nil, err
		}
		c.EmbeddingStatus = domain.EmbeddingStatus(status)
		c.DocumentMetadata = decodeMetadata(meta)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) LogSearch(ctx context.Context, e domain.SearchLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO search_logs
		(tenant_id, agent_id, query, results_count, top_score, processing_time_ms, embedding_provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.TenantID, e.AgentID, e.Query, e.ResultsCount, e.TopScore, e.ProcessingTimeMs, e.EmbeddingProvider, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("log search: %w", err)
	}
	return nil
}

// SearchLogs returns a tenant's most recent search logs, newest first.
func (s *Store) SearchLogs(ctx context.Context, tenantID string, limit int) ([]domain.SearchLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT tenant_id, agent_id, query, results_count, top_score,
			processing_time_ms, embedding_provider, created_at
		FROM search_logs WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("search logs: %w", err)
	}
	defer rows.Close()

	var out []domain.SearchLog
	for rows.Next() {
		var e domain.SearchLog
		if err := rows.Scan(&e.TenantID, &e.AgentID, &e.Query, &e.ResultsCount, &e.TopScore,
			&e.ProcessingTimeMs, &e.EmbeddingProvider, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
