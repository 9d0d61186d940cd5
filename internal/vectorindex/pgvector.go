package vectorindex

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PGVector stores one generation in a PostgreSQL table with a vector column.
type PGVector struct {
	db    *sql.DB
	dims  int
	table string
}

// NewPGVector uses table chunk_vectors_<dims>. db must be a postgres handle.
func NewPGVector(db *sql.DB, dims int) (*PGVector, error) {
	if !Supported(dims) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDimension, dims)
	}
	return &PGVector{db: db, dims: dims, table: fmt.Sprintf("chunk_vectors_%d", dims)}, nil
}

func (p *PGVector) Dimensions() int { return p.dims }

// Migrate creates the extension, table and HNSW index if missing.
func (p *PGVector) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk_id    TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			agent_id    TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding   vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tenant ON %s (tenant_id)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_hnsw ON %s USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("pgvector migrate %s: %w", p.table, err)
		}
	}
	return nil
}

func (p *PGVector) Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	q := fmt.Sprintf(`SELECT chunk_id, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE ($2 = '' OR tenant_id = $2)
		  AND ($3 = '' OR agent_id = '' OR agent_id = $3)
		ORDER BY embedding <=> $1
		LIMIT $4`, p.table)

	rows, err := p.db.QueryContext(ctx, q, pgvector.NewVector(vec), f.TenantID, f.AgentID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PGVector) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(chunk_id, tenant_id, agent_id, document_id, chunk_index, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			agent_id = EXCLUDED.agent_id,
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			embedding = EXCLUDED.embedding`, p.table))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range vectors {
		if len(v.Values) != p.dims {
			return fmt.Errorf("%w: %d into %s", ErrUnsupportedDimension, len(v.Values), p.table)
		}
		if _, err := stmt.ExecContext(ctx, v.ID, v.TenantID, v.AgentID, v.DocumentID, v.ChunkIndex, pgvector.NewVector(v.Values)); err != nil {
			return fmt.Errorf("upsert %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PGVector) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE chunk_id = ANY($1)`, p.table), pq.Array(ids))
	return err
}
