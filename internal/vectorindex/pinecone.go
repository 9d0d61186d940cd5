package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PineconeConfig configures one Pinecone index (one generation).
type PineconeConfig struct {
	APIKey     string
	APIVersion string
	Host       string // index data-plane host
	Namespace  string
	Dimensions int
	Timeout    time.Duration
}

// Pinecone is a REST-backed generation.
type Pinecone struct {
	cfg  PineconeConfig
	base string
	http *http.Client
}

func NewPinecone(cfg PineconeConfig) (*Pinecone, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("pinecone: missing API key")
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("pinecone: missing index host")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2025-10"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.Host, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return &Pinecone{cfg: cfg, base: base, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (p *Pinecone) Dimensions() int { return p.cfg.Dimensions }

type pcVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type pcUpsertRequest struct {
	Vectors   []pcVector `json:"vectors"`
	Namespace string     `json:"namespace,omitempty"`
}

type pcQueryRequest struct {
	Namespace       string         `json:"namespace,omitempty"`
	Vector          []float32      `json:"vector"`
	TopK            int            `json:"topK"`
	Filter          map[string]any `json:"filter,omitempty"`
	IncludeMetadata bool           `json:"includeMetadata"`
}

type pcQueryResponse struct {
	Matches []struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	} `json:"matches"`
}

type pcDeleteRequest struct {
	IDs       []string `json:"ids"`
	Namespace string   `json:"namespace,omitempty"`
}

func (p *Pinecone) Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	req := pcQueryRequest{
		Namespace: p.cfg.Namespace,
		Vector:    vec,
		TopK:      topK,
		Filter:    pineconeFilter(f),
	}
	var out pcQueryResponse
	if err := p.do(ctx, "/query", req, &out); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(out.Matches))
	for _, m := range out.Matches {
		matches = append(matches, Match{ChunkID: m.ID, Score: m.Score})
	}
	return matches, nil
}

func (p *Pinecone) Upsert(ctx context.Context, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	req := pcUpsertRequest{Namespace: p.cfg.Namespace, Vectors: make([]pcVector, 0, len(vectors))}
	for _, v := range vectors {
		md := map[string]any{
			"tenantId":   v.TenantID,
			"documentId": v.DocumentID,
			"chunkIndex": v.ChunkIndex,
		}
		if v.AgentID != "" {
			md["agentId"] = v.AgentID
		}
		req.Vectors = append(req.Vectors, pcVector{ID: v.ID, Values: v.Values, Metadata: md})
	}
	return p.do(ctx, "/vectors/upsert", req, nil)
}

func (p *Pinecone) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.do(ctx, "/vectors/delete", pcDeleteRequest{IDs: ids, Namespace: p.cfg.Namespace}, nil)
}

func pineconeFilter(f Filter) map[string]any {
	var clauses []map[string]any
	if f.TenantID != "" {
		clauses = append(clauses, map[string]any{"tenantId": map[string]any{"$eq": f.TenantID}})
	}
	if f.AgentID != "" {
		clauses = append(clauses, map[string]any{"agentId": map[string]any{"$eq": f.AgentID}})
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	}
	return map[string]any{"$and": clauses}
}

func (p *Pinecone) do(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("pinecone encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Api-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pinecone-Api-Version", p.cfg.APIVersion)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pinecone %s http %d: %s", path, resp.StatusCode, string(raw))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("pinecone %s decode: %w", path, err)
	}
	return nil
}
