package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vettle/ragcore/internal/chunker"
	"github.com/vettle/ragcore/internal/embedding"
	"github.com/vettle/ragcore/internal/extract"
	"github.com/vettle/ragcore/internal/store"
)

// Engine composes the extractor, chunker, embedder and vector store into
// the full ingestion and query pipeline. Collaborators call this facade
// instead of the individual components.
//
// Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	extractor *extract.Extractor
	chunker   *chunker.Chunker
	embedder  *embedding.Service
	store     *store.Store
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunker replaces the default chunker.
func WithChunker(c *chunker.Chunker) Option {
	return func(e *Engine) {
		if c != nil {
			e.chunker = c
		}
	}
}

// New creates an Engine. The embedder service and vector store are
// required; the chunker defaults to standard chunk and overlap budgets.
func New(embedder *embedding.Service, vectorStore *store.Store, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder service is required")
	}
	if vectorStore == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		extractor: extract.New(logger),
		chunker:   chunker.New(),
		embedder:  embedder,
		store:     vectorStore,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ProcessDocument runs the chunk+embed pipeline over raw text and returns
// the (chunk, vector) pairs ready for persistence. Empty or
// whitespace-only text yields no pairs and no provider calls.
func (e *Engine) ProcessDocument(ctx context.Context, text string) ([]embedding.Embedded, error) {
	chunks := e.chunker.Split(text)
	if len(chunks) == 0 {
		return nil, nil
	}

	pairs, err := e.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	e.logger.Debug("document processed", "chunks", len(chunks))
	return pairs, nil
}

// IngestDocument runs the full write path: chunk, embed, persist and index
// under the given document id. The namespace, when non-empty, scopes the
// document for filtered search. Failures propagate so the caller can retry
// or mark the document failed.
func (e *Engine) IngestDocument(ctx context.Context, documentID, namespace, text string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	pairs, err := e.ProcessDocument(ctx, text)
	if err != nil {
		return fmt.Errorf("processing document %q: %w", documentID, err)
	}
	if len(pairs) == 0 {
		return fmt.Errorf("document %q produced no chunks", documentID)
	}

	if err := e.store.InsertEmbeddings(ctx, documentID, namespace, pairs); err != nil {
		return err
	}
	return e.store.IndexDocument(ctx, documentID)
}

// IngestPayload extracts plain text from a raw document payload according
// to its MIME type, then runs the standard ingestion path. HTML payloads
// are reduced to article text; unsupported MIME types fail before any
// provider call.
func (e *Engine) IngestPayload(ctx context.Context, documentID, namespace, mimeType string, r io.Reader) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	text, err := e.extractor.Text(mimeType, r)
	if err != nil {
		return fmt.Errorf("extracting document %q: %w", documentID, err)
	}
	return e.IngestDocument(ctx, documentID, namespace, text)
}

// Search embeds the query text and returns the top k most similar chunks.
// Long queries are truncated to the embedder's token budget before the
// provider call. Backing-store failures degrade to an empty result set;
// embedding failures propagate because no meaningful search can happen
// without a query vector.
func (e *Engine) Search(ctx context.Context, query string, k int, filter *store.Filter) ([]store.SearchResult, error) {
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return e.store.Search(ctx, vec, k, filter)
}

// SearchByVector skips query embedding and searches with a caller-supplied
// vector, for callers that already hold one (e.g. similar-chunk lookups).
func (e *Engine) SearchByVector(ctx context.Context, queryVec []float32, k int, filter *store.Filter) ([]store.SearchResult, error) {
	return e.store.Search(ctx, queryVec, k, filter)
}

// IndexDocument verifies the document's persisted embeddings and drops any
// stale cache entries. Concurrent calls for the same document collapse to
// one.
func (e *Engine) IndexDocument(ctx context.Context, documentID string) error {
	return e.store.IndexDocument(ctx, documentID)
}

// RemoveDocument deletes the document's embeddings and evicts its cache
// entries.
func (e *Engine) RemoveDocument(ctx context.Context, documentID string) error {
	return e.store.RemoveDocument(ctx, documentID)
}

// Stats reports the vector store's cache statistics.
func (e *Engine) Stats() store.Stats {
	return e.store.Stats()
}
