package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Memory is a brute-force cosine index for development and tests.
type Memory struct {
	dims    int
	mu      sync.RWMutex
	vectors map[string]Vector
}

func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, vectors: make(map[string]Vector)}
}

func (m *Memory) Dimensions() int { return m.dims }

func (m *Memory) Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Match
	for _, v := range m.vectors {
		if f.TenantID != "" && v.TenantID != f.TenantID {
			continue
		}
		if f.AgentID != "" && v.AgentID != "" && v.AgentID != f.AgentID {
			continue
		}
		out = append(out, Match{ChunkID: v.ID, Score: cosine(vec, v.Values)})
	}
	return out, nil
}

func (m *Memory) Upsert(ctx context.Context, vectors []Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		if len(v.Values) != m.dims {
			return fmt.Errorf("%w: %d into %d-dim index", ErrUnsupportedDimension, len(v.Values), m.dims)
		}
		m.vectors[v.ID] = v
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Len returns the number of stored vectors.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
