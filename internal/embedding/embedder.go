// Package embedding converts text chunks into fixed-dimension unit vectors
// and provides the similarity math used at both index and query time.
//
// Raw vector generation is delegated to a Genkit ai.Embedder; this package
// owns normalization, dimension enforcement, query truncation, and
// client-side rate limiting of provider calls.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/vettle/ragcore/internal/chunker"
)

const (
	// DefaultQueryTokenBudget caps query text before embedding. Longer
	// queries are truncated (a documented lossy policy, logged with
	// before/after lengths) to avoid provider context-length failures.
	DefaultQueryTokenBudget = 1000

	// tokenToChars converts the token budget into a byte budget using the
	// same ceil(len/4) estimate the chunker uses.
	tokenToChars = 4
)

// Embedded pairs a chunk with its unit-length vector.
type Embedded struct {
	Chunk  chunker.Chunk
	Vector []float32
}

// Option configures a Service.
type Option func(*Service)

// WithDimension requests a fixed output dimensionality from providers that
// support truncated embeddings (Matryoshka-style). Zero means provider
// default.
func WithDimension(d int32) Option {
	return func(s *Service) { s.dimension = d }
}

// WithQueryTokenBudget overrides the query truncation budget.
func WithQueryTokenBudget(tokens int) Option {
	return func(s *Service) {
		if tokens > 0 {
			s.queryTokenBudget = tokens
		}
	}
}

// WithRateLimit throttles provider calls to r requests per second with the
// given burst. By default calls are not throttled.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(r, burst) }
}

// Service generates normalized embeddings via an external provider.
//
// Service is safe for concurrent use by multiple goroutines.
type Service struct {
	embedder         ai.Embedder
	logger           *slog.Logger
	limiter          *rate.Limiter
	dimension        int32
	queryTokenBudget int
}

// NewService creates an embedding Service.
func NewService(embedder ai.Embedder, logger *slog.Logger, opts ...Option) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		embedder:         embedder,
		logger:           logger,
		limiter:          rate.NewLimiter(rate.Inf, 0),
		queryTokenBudget: DefaultQueryTokenBudget,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EmbedChunks embeds all chunks in one batched provider call and returns
// (chunk, vector) pairs with unit-length vectors. All vectors in one batch
// must share a dimension; a mismatch is a hard error.
func (s *Service) EmbedChunks(ctx context.Context, chunks []chunker.Chunk) ([]Embedded, error) {
	if len(chunks) == 0 {
		return []Embedded{}, nil
	}

	input := make([]*ai.Document, len(chunks))
	for i, ch := range chunks {
		input[i] = ai.DocumentFromText(ch.Text, nil)
	}

	resp, err := s.embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}
	if len(resp.Embeddings) != len(chunks) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d chunks",
			len(resp.Embeddings), len(chunks))
	}

	out := make([]Embedded, len(chunks))
	dim := -1
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding returned for chunk %d", chunks[i].Index)
		}
		if dim == -1 {
			dim = len(emb.Embedding)
		} else if len(emb.Embedding) != dim {
			return nil, fmt.Errorf("%w: chunk %d has %d dims, batch has %d",
				ErrDimensionMismatch, chunks[i].Index, len(emb.Embedding), dim)
		}
		out[i] = Embedded{Chunk: chunks[i], Vector: Normalize(emb.Embedding)}
	}
	return out, nil
}

// EmbedQuery embeds a single query string, truncating it to the configured
// token budget first. Returns a unit-length vector.
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "" {
		return nil, fmt.Errorf("query is empty")
	}

	maxChars := s.queryTokenBudget * tokenToChars
	if len(query) > maxChars {
		// Back up to a rune boundary so truncation never sends the
		// provider a split multi-byte character.
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(query[cut]) {
			cut--
		}
		s.logger.Warn("truncating oversized query before embedding",
			"before_chars", len(query),
			"after_chars", cut,
			"token_budget", s.queryTokenBudget)
		query = query[:cut]
	}

	resp, err := s.embed(ctx, []*ai.Document{ai.DocumentFromText(query, nil)})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned for query")
	}
	return Normalize(resp.Embeddings[0].Embedding), nil
}

// embed issues the provider call behind the rate limiter.
func (s *Service) embed(ctx context.Context, input []*ai.Document) (*ai.EmbedResponse, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embed rate limiter: %w", err)
	}

	req := &ai.EmbedRequest{Input: input}
	if s.dimension > 0 {
		dim := s.dimension
		req.Options = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	resp, err := s.embedder.Embed(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, err
	}
	return resp, nil
}
