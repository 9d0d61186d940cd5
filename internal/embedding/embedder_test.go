package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"omnicontact/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream returns vectors whose first component encodes the input text's
// trailing number, so callers can check positional order.
type fakeUpstream struct {
	mu       sync.Mutex
	dims     int
	calls    int
	sizes    []int
	failures int // fail this many calls before succeeding
	reverse  bool
	indexed  bool
}

func (f *fakeUpstream) embed(ctx context.Context, texts []string) ([]indexedVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sizes = append(f.sizes, len(texts))
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("upstream 503")
	}
	out := make([]indexedVector, len(texts))
	for i, t := range texts {
		var n int
		fmt.Sscanf(t[strings.LastIndex(t, " ")+1:], "%d", &n)
		v := make([]float32, f.dims)
		v[0] = float32(n)
		idx := -1
		if f.indexed {
			idx = i
		}
		out[i] = indexedVector{Index: idx, Values: v}
	}
	if f.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func newTestClient(up *fakeUpstream, dims int) *Client {
	return newClient(clientConfig{
		Kind:   KindWorkersAI,
		Model:  "test",
		Dims:   dims,
		Policy: retry.Policy{Backoff: retry.None},
		Logger: testLogger(),
	}, up)
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk %d", i)
	}
	return out
}

func TestEmbed_ReturnsProviderDimension(t *testing.T) {
	for _, dims := range []int{WorkersAIDimensions, OpenAIDimensions} {
		c := newTestClient(&fakeUpstream{dims: dims}, dims)
		vec, err := c.Embed(context.Background(), "hello 1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(vec) != dims {
			t.Fatalf("expected %d dims, got %d", dims, len(vec))
		}
	}
}

func TestEmbed_EmptyText(t *testing.T) {
	up := &fakeUpstream{dims: 768}
	c := newTestClient(up, 768)
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := c.Embed(context.Background(), in); !errors.Is(err, ErrEmptyText) {
			t.Fatalf("expected ErrEmptyText for %q, got %v", in, err)
		}
	}
	if up.calls != 0 {
		t.Fatalf("validation must not call upstream, got %d calls", up.calls)
	}
}

func TestEmbedBatch_EmptyMemberRejected(t *testing.T) {
	c := newTestClient(&fakeUpstream{dims: 768}, 768)
	_, err := c.EmbedBatch(context.Background(), []string{"a 1", " ", "b 2"})
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if !strings.Contains(err.Error(), "index 1") {
		t.Fatalf("expected offending index in error, got %v", err)
	}
}

func TestEmbedBatch_CallsPerBatchAndOrder(t *testing.T) {
	up := &fakeUpstream{dims: 768}
	c := newTestClient(up, 768)

	in := texts(250)
	vecs, err := c.EmbedBatch(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.calls != 3 {
		t.Fatalf("expected ceil(250/100)=3 upstream calls, got %d", up.calls)
	}
	if up.sizes[0] != 100 || up.sizes[1] != 100 || up.sizes[2] != 50 {
		t.Fatalf("unexpected batch sizes %v", up.sizes)
	}
	if len(vecs) != 250 {
		t.Fatalf("expected 250 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if int(v[0]) != i {
			t.Fatalf("vector %d out of order (marker %v)", i, v[0])
		}
	}
}

func TestEmbedBatch_ExactMultiple(t *testing.T) {
	up := &fakeUpstream{dims: 768}
	c := newTestClient(up, 768)
	if _, err := c.EmbedBatch(context.Background(), texts(200)); err != nil {
		t.Fatal(err)
	}
	if up.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", up.calls)
	}
}

func TestEmbedBatch_ResortsByProviderIndex(t *testing.T) {
	up := &fakeUpstream{dims: 1536, indexed: true, reverse: true}
	c := newTestClient(up, 1536)
	vecs, err := c.EmbedBatch(context.Background(), texts(5))
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range vecs {
		if int(v[0]) != i {
			t.Fatalf("expected re-sorted vectors, position %d has marker %v", i, v[0])
		}
	}
}

func TestEmbedBatch_RetriesThenSucceeds(t *testing.T) {
	up := &fakeUpstream{dims: 768, failures: 2}
	c := newTestClient(up, 768)
	if _, err := c.EmbedBatch(context.Background(), texts(3)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if up.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", up.calls)
	}
}

func TestEmbedBatch_FailsAfterRetryCeiling(t *testing.T) {
	up := &fakeUpstream{dims: 768, failures: 10}
	c := newTestClient(up, 768)
	if _, err := c.EmbedBatch(context.Background(), texts(150)); err == nil {
		t.Fatal("expected failure after retry ceiling")
	}
	if up.calls != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts on the first batch only, got %d", DefaultMaxAttempts, up.calls)
	}
}

func TestEmbedBatch_DimensionMismatchNotRetried(t *testing.T) {
	up := &fakeUpstream{dims: 512}
	c := newTestClient(up, 768)
	_, err := c.EmbedBatch(context.Background(), texts(2))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if up.calls != 1 {
		t.Fatalf("dimension mismatch must not be retried, got %d calls", up.calls)
	}
}

func TestWorkersAI_HTTP(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var req workersAIRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		data := make([][]float32, len(req.Text))
		for i := range data {
			data[i] = make([]float32, WorkersAIDimensions)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"shape": []int{len(data), WorkersAIDimensions}, "data": data},
		})
	}))
	defer srv.Close()

	c := NewWorkersAI(WorkersAIConfig{
		AccountID: "acct",
		APIToken:  "tok",
		BaseURL:   srv.URL,
		Policy:    retry.Policy{Backoff: retry.None},
		Logger:    testLogger(),
	})
	vec, err := c.Embed(context.Background(), "What are your opening hours?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 768 {
		t.Fatalf("expected 768 dims, got %d", len(vec))
	}
	if gotPath != "/accounts/acct/ai/run/@cf/baai/bge-base-en-v1.5" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestWorkersAI_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"success":false}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewWorkersAI(WorkersAIConfig{BaseURL: srv.URL, Policy: retry.Policy{Backoff: retry.None}, Logger: testLogger()})
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for 401, got %d", calls)
	}
}

func TestOpenAI_HTTPReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.Unmarshal(body, &req)

		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			v := make([]float32, OpenAIDimensions)
			v[0] = float32(i)
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": v})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Policy:  retry.Policy{Backoff: retry.None},
		Logger:  testLogger(),
	})
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range vecs {
		if len(v) != 1536 {
			t.Fatalf("expected 1536 dims, got %d", len(v))
		}
		if int(v[0]) != i {
			t.Fatalf("position %d holds vector for input %v", i, v[0])
		}
	}
}

type mapCache struct {
	data map[string][]float32
	sets int
}

func (m *mapCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	m.sets++
	m.data[key] = vec
	return nil
}

func TestCached_SecondCallHitsCache(t *testing.T) {
	up := &fakeUpstream{dims: 768}
	cache := &mapCache{data: map[string][]float32{}}
	c := NewCached(newTestClient(up, 768), cache, time.Minute, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.Embed(context.Background(), "opening hours 7"); err != nil {
			t.Fatal(err)
		}
	}
	if up.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", up.calls)
	}
	if cache.sets != 1 {
		t.Fatalf("expected 1 cache write, got %d", cache.sets)
	}
}

func TestVectorCodec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.125}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("codec mismatch at %d: %v != %v", i, in[i], out[i])
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestSet_DefaultAndLookup(t *testing.T) {
	w := newTestClient(&fakeUpstream{dims: 768}, 768)
	s, err := NewSet(KindWorkersAI, w)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("")
	if err != nil || got.Kind() != KindWorkersAI {
		t.Fatalf("expected default workersai, got %v %v", got, err)
	}
	if _, err := s.Get(KindOpenAI); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind for unconfigured provider, got %v", err)
	}
	if _, err := NewSet(KindOpenAI, w); err == nil {
		t.Fatal("expected error when default is not configured")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" OpenAI "); err != nil || k != KindOpenAI {
		t.Fatalf("expected openai, got %q %v", k, err)
	}
	if _, err := ParseKind("cohere"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
