package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func unit(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func newEngine(t *testing.T) (*Engine, *Memory, *Memory) {
	t.Helper()
	m768, m1536 := NewMemory(768), NewMemory(1536)
	e, err := NewEngine(testLogger(), m768, m1536)
	if err != nil {
		t.Fatal(err)
	}
	return e, m768, m1536
}

func TestSearch_UnsupportedDimension(t *testing.T) {
	e, _, _ := newEngine(t)
	for _, dims := range []int{0, 3, 512, 1024, 3072} {
		_, err := e.Search(context.Background(), make([]float32, dims), 5, Filter{TenantID: "t1"})
		if !errors.Is(err, ErrUnsupportedDimension) {
			t.Fatalf("dims %d: expected ErrUnsupportedDimension, got %v", dims, err)
		}
	}
}

func TestSearch_MissingGeneration(t *testing.T) {
	e, err := NewEngine(testLogger(), NewMemory(768))
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Search(context.Background(), make([]float32, 1536), 5, Filter{})
	if !errors.Is(err, ErrGenerationMissing) {
		t.Fatalf("expected ErrGenerationMissing, got %v", err)
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	err := e.Upsert(ctx, []Vector{
		{ID: "a", Values: unit(768, 0), TenantID: "t1"},
		{ID: "b", Values: unit(768, 0), TenantID: "t2"},
	})
	if err != nil {
		t.Fatal(err)
	}

	matches, err := e.Search(ctx, unit(768, 0), 5, Filter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ChunkID != "a" {
		t.Fatalf("expected only tenant t1 chunk, got %+v", matches)
	}
}

func TestSearch_OrderAndTopK(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	q := unit(768, 0)
	near := unit(768, 0)
	mid := unit(768, 0)
	mid[1] = 1
	far := unit(768, 1)

	_ = e.Upsert(ctx, []Vector{
		{ID: "far", Values: far, TenantID: "t"},
		{ID: "near", Values: near, TenantID: "t"},
		{ID: "mid", Values: mid, TenantID: "t"},
	})

	matches, err := e.Search(ctx, q, 2, Filter{TenantID: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected topK=2 matches, got %d", len(matches))
	}
	if matches[0].ChunkID != "near" || matches[1].ChunkID != "mid" {
		t.Fatalf("unexpected order %+v", matches)
	}
}

func TestUpsert_RoutesByDimension(t *testing.T) {
	e, m768, m1536 := newEngine(t)
	err := e.Upsert(context.Background(), []Vector{
		{ID: "x", Values: unit(768, 2), TenantID: "t"},
		{ID: "y", Values: unit(1536, 2), TenantID: "t"},
		{ID: "z", Values: unit(1536, 3), TenantID: "t"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m768.Len() != 1 || m1536.Len() != 2 {
		t.Fatalf("expected 1/2 vectors per generation, got %d/%d", m768.Len(), m1536.Len())
	}
}

func TestUpsert_RejectsMissingTenant(t *testing.T) {
	e, _, _ := newEngine(t)
	err := e.Upsert(context.Background(), []Vector{{ID: "x", Values: unit(768, 0)}})
	if !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestNewEngine_RejectsDuplicateGeneration(t *testing.T) {
	if _, err := NewEngine(testLogger(), NewMemory(768), NewMemory(768)); err == nil {
		t.Fatal("expected duplicate generation error")
	}
	if _, err := NewEngine(testLogger(), NewMemory(100)); !errors.Is(err, ErrUnsupportedDimension) {
		t.Fatalf("expected ErrUnsupportedDimension, got %v", err)
	}
}

func TestPinecone_QuerySendsTenantFilter(t *testing.T) {
	var got pcQueryRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("Api-Key")
		if r.URL.Path != "/query" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"matches":[{"id":"c1","score":0.91},{"id":"c2","score":0.42}]}`))
	}))
	defer srv.Close()

	p, err := NewPinecone(PineconeConfig{APIKey: "pk", Host: srv.URL, Dimensions: 768, Namespace: "kb"})
	if err != nil {
		t.Fatal(err)
	}
	matches, err := p.Query(context.Background(), unit(768, 0), 3, Filter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "pk" {
		t.Fatalf("expected Api-Key header, got %q", apiKey)
	}
	if got.TopK != 3 || got.Namespace != "kb" {
		t.Fatalf("unexpected request %+v", got)
	}
	eq, _ := got.Filter["tenantId"].(map[string]any)
	if eq["$eq"] != "t1" {
		t.Fatalf("expected tenant filter, got %v", got.Filter)
	}
	if len(matches) != 2 || matches[0].ChunkID != "c1" || matches[0].Score != 0.91 {
		t.Fatalf("unexpected matches %+v", matches)
	}
}

func TestPineconeFilter_Combined(t *testing.T) {
	f := pineconeFilter(Filter{TenantID: "t", AgentID: "a"})
	and, ok := f["$and"].([]map[string]any)
	if !ok || len(and) != 2 {
		t.Fatalf("expected $and with 2 clauses, got %v", f)
	}
	if pineconeFilter(Filter{}) != nil {
		t.Fatal("expected nil filter when unscoped")
	}
}

func TestNewPGVector_TableByDimension(t *testing.T) {
	p, err := NewPGVector(nil, 1536)
	if err != nil {
		t.Fatal(err)
	}
	if p.table != "chunk_vectors_1536" || p.Dimensions() != 1536 {
		t.Fatalf("unexpected table %q", p.table)
	}
	if _, err := NewPGVector(nil, 42); !errors.Is(err, ErrUnsupportedDimension) {
		t.Fatalf("expected ErrUnsupportedDimension, got %v", err)
	}
}
