package testutil

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// StubEmbedder is a deterministic ai.Embedder for tests: the same text
// always yields the same vector, and distinct texts yield vectors that are
// far apart, so relative similarity rankings are stable without calling a
// real provider.
type StubEmbedder struct {
	Dimension int
	Calls     int
}

// NewStubEmbedder returns a StubEmbedder with the given dimension.
func NewStubEmbedder(dimension int) *StubEmbedder {
	return &StubEmbedder{Dimension: dimension}
}

func (*StubEmbedder) Name() string { return "stub-embedder" }

func (*StubEmbedder) Register(api.Registry) {}

// Embed derives one pseudo-random unit vector per input document, seeded
// from the document text.
func (e *StubEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	e.Calls++
	resp := &ai.EmbedResponse{}
	for _, doc := range req.Input {
		var text string
		if len(doc.Content) > 0 {
			text = doc.Content[0].Text
		}
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: e.vectorFor(text)})
	}
	return resp, nil
}

// VectorFor returns the unit vector Embed would produce for text. Tests use
// it to build query vectors that exactly match a stored chunk.
func (e *StubEmbedder) VectorFor(text string) []float32 {
	return e.vectorFor(text)
}

func (e *StubEmbedder) vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, e.Dimension)
	var sumSq float64
	for i := range vec {
		// xorshift64 keeps the sequence deterministic per seed.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v := float64(int64(state)) / math.MaxInt64
		vec[i] = float32(v)
		sumSq += v * v
	}

	norm := float32(math.Sqrt(sumSq))
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
