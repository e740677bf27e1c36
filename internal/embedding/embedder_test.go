package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"

	"github.com/vettle/ragcore/internal/chunker"
	"github.com/vettle/ragcore/internal/log"
)

// mockEmbedder implements ai.Embedder for testing.
type mockEmbedder struct {
	embedErr    error
	returnEmpty bool
	perDocDims  []int // dimension per returned embedding; default 3 each
	callCount   int
	lastInputs  []string
}

func (*mockEmbedder) Name() string { return "mock-embedder" }

func (*mockEmbedder) Register(api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++
	m.lastInputs = nil
	for _, doc := range req.Input {
		if len(doc.Content) > 0 {
			m.lastInputs = append(m.lastInputs, doc.Content[0].Text)
		}
	}

	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if m.returnEmpty {
		return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: []float32{}}}}, nil
	}

	resp := &ai.EmbedResponse{}
	for i := range req.Input {
		dim := 3
		if i < len(m.perDocDims) {
			dim = m.perDocDims[i]
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = float32(i + j + 1) // non-unit on purpose
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

func testChunks(texts ...string) []chunker.Chunk {
	chunks := make([]chunker.Chunk, len(texts))
	for i, txt := range texts {
		chunks[i] = chunker.Chunk{Text: txt, Index: i, TokenEstimate: chunker.EstimateTokens(txt)}
	}
	return chunks
}

func TestNewService_RequiresEmbedder(t *testing.T) {
	if _, err := NewService(nil, log.NewNop()); err == nil {
		t.Fatal("NewService(nil) expected error, got nil")
	}
}

func TestEmbedChunks_NormalizesVectors(t *testing.T) {
	svc, err := NewService(&mockEmbedder{}, log.NewNop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	out, err := svc.EmbedChunks(context.Background(), testChunks("alpha", "beta"))
	if err != nil {
		t.Fatalf("EmbedChunks() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("EmbedChunks() returned %d pairs, want 2", len(out))
	}
	for i, e := range out {
		if norm := Norm(e.Vector); math.Abs(norm-1) > 1e-6 {
			t.Errorf("vector %d norm = %v, want 1 ± 1e-6", i, norm)
		}
		if e.Chunk.Index != i {
			t.Errorf("pair %d carries chunk index %d", i, e.Chunk.Index)
		}
	}
}

func TestEmbedChunks_EmptyInput(t *testing.T) {
	mock := &mockEmbedder{}
	svc, _ := NewService(mock, log.NewNop())

	out, err := svc.EmbedChunks(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedChunks(nil) error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("EmbedChunks(nil) = %v, want empty", out)
	}
	if mock.callCount != 0 {
		t.Errorf("provider called %d times for empty input, want 0", mock.callCount)
	}
}

func TestEmbedChunks_ProviderError(t *testing.T) {
	provErr := errors.New("quota exhausted")
	svc, _ := NewService(&mockEmbedder{embedErr: provErr}, log.NewNop())

	_, err := svc.EmbedChunks(context.Background(), testChunks("alpha"))
	if !errors.Is(err, provErr) {
		t.Errorf("error = %v, want wrapped provider error", err)
	}
}

func TestEmbedChunks_InconsistentDimensions(t *testing.T) {
	svc, _ := NewService(&mockEmbedder{perDocDims: []int{3, 4}}, log.NewNop())

	_, err := svc.EmbedChunks(context.Background(), testChunks("alpha", "beta"))
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbedQuery_TruncatesLongQueries(t *testing.T) {
	mock := &mockEmbedder{}
	svc, _ := NewService(mock, log.NewNop(), WithQueryTokenBudget(10))

	long := strings.Repeat("x", 500)
	if _, err := svc.EmbedQuery(context.Background(), long); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(mock.lastInputs) != 1 {
		t.Fatalf("provider received %d inputs, want 1", len(mock.lastInputs))
	}
	if got := len(mock.lastInputs[0]); got != 40 {
		t.Errorf("embedded query length = %d, want 40 (10 tokens x 4 chars)", got)
	}
}

func TestEmbedQuery_TruncatesOnRuneBoundary(t *testing.T) {
	mock := &mockEmbedder{}
	svc, _ := NewService(mock, log.NewNop(), WithQueryTokenBudget(10))

	// 3-byte runes: the 40-byte budget lands mid-rune, so the cut must
	// back up to 39 bytes instead of splitting a character.
	long := strings.Repeat("世", 20)
	if _, err := svc.EmbedQuery(context.Background(), long); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	got := mock.lastInputs[0]
	if !utf8.ValidString(got) {
		t.Errorf("truncated query is not valid UTF-8: %q", got)
	}
	if len(got) != 39 {
		t.Errorf("embedded query length = %d bytes, want 39 (rune boundary below 40)", len(got))
	}
}

func TestEmbedQuery_RateLimitGatesProviderCalls(t *testing.T) {
	mock := &mockEmbedder{}
	svc, _ := NewService(mock, log.NewNop(), WithRateLimit(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := svc.EmbedQuery(context.Background(), "hello"); err != nil {
			t.Fatalf("EmbedQuery() call %d error = %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// Burst 1 at 20 req/s spaces the second and third calls 50ms apart.
	if elapsed < 80*time.Millisecond {
		t.Errorf("3 calls completed in %v, want >= 80ms under a 20 req/s limit", elapsed)
	}
	if mock.callCount != 3 {
		t.Errorf("provider called %d times, want 3", mock.callCount)
	}
}

func TestEmbedQuery_RateLimitHonorsContext(t *testing.T) {
	svc, _ := NewService(&mockEmbedder{}, log.NewNop(), WithRateLimit(0.01, 1))

	if _, err := svc.EmbedQuery(context.Background(), "first"); err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}

	// The burst is spent; the next call would wait ~100s, so a short
	// deadline must abort the wait instead of issuing the provider call.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.EmbedQuery(ctx, "second"); err == nil {
		t.Error("expected deadline error while rate limited, got nil")
	}
}

func TestEmbedQuery_ShortQueryUntouched(t *testing.T) {
	mock := &mockEmbedder{}
	svc, _ := NewService(mock, log.NewNop())

	vec, err := svc.EmbedQuery(context.Background(), "what is cosine similarity")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if mock.lastInputs[0] != "what is cosine similarity" {
		t.Errorf("query was modified: %q", mock.lastInputs[0])
	}
	if norm := Norm(vec); math.Abs(norm-1) > 1e-6 {
		t.Errorf("query vector norm = %v, want 1 ± 1e-6", norm)
	}
}

func TestEmbedQuery_EmptyQuery(t *testing.T) {
	svc, _ := NewService(&mockEmbedder{}, log.NewNop())
	if _, err := svc.EmbedQuery(context.Background(), ""); err == nil {
		t.Error("EmbedQuery(\"\") expected error, got nil")
	}
}

func TestEmbedQuery_EmptyProviderResponse(t *testing.T) {
	svc, _ := NewService(&mockEmbedder{returnEmpty: true}, log.NewNop())
	if _, err := svc.EmbedQuery(context.Background(), "hello"); err == nil {
		t.Error("expected error for empty provider response, got nil")
	}
}
