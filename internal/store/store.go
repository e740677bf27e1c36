// Package store implements the vector store at the heart of the retrieval
// engine: durable embedding rows in PostgreSQL + pgvector, a bounded
// in-memory LRU cache of hot vectors, and top-k similarity search with
// namespace isolation.
//
// The relational store is the sole source of truth. The cache is a lossy,
// rebuildable accelerator owned by one Store instance; run exactly one
// instance per backing store to avoid cache-coherency divergence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vettle/ragcore/internal/embedding"
)

const (
	// DefaultMaxCacheSize bounds the in-memory vector cache.
	DefaultMaxCacheSize = 1000

	// DefaultFanoutFactor multiplies k when over-fetching candidates to
	// absorb post-retrieval namespace filtering losses. Under adversarial
	// namespace distributions a fixed fanout can under-fill k; that is a
	// known limitation, logged when it happens.
	DefaultFanoutFactor = 3

	// DefaultTopK applies when a caller passes k <= 0.
	DefaultTopK = 5

	// DefaultQueryTimeout bounds backing-store and scoring work per search.
	DefaultQueryTimeout = 10 * time.Second

	// NamespaceWildcard in a filter set bypasses namespace isolation.
	NamespaceWildcard = "*"

	// maxBruteForceCandidates caps the candidate load on the brute-force
	// path so an unfiltered search cannot pull the whole table into memory.
	maxBruteForceCandidates = 10000
)

// ErrBackingStore reports an unavailable or failing relational store.
// Search swallows it (degrade to empty); write-path operations propagate it.
var ErrBackingStore = errors.New("backing store unavailable")

// CandidateRow is one embedding row loaded during candidate retrieval.
// Distance carries the store-reported cosine distance and is only valid on
// the ordered (ANN) retrieval path.
type CandidateRow struct {
	ID         string
	DocumentID string
	ChunkText  string
	Embedding  pgvector.Vector
	Metadata   []byte
	Distance   float64
}

// EmbeddingRow is one durable row on the write path.
type EmbeddingRow struct {
	ID         string
	DocumentID string
	ChunkText  string
	Embedding  pgvector.Vector
	Metadata   []byte
}

// Querier defines the database operations Store needs. Interfaces are
// defined by the consumer; *PGQuerier satisfies this in production and
// tests substitute a mock.
type Querier interface {
	// SelectNearest returns up to limit rows ordered by cosine distance to
	// query, optionally filtered by document. Requires distance-ordering
	// support in the backing store.
	SelectNearest(ctx context.Context, query pgvector.Vector, documentID string, limit int32) ([]CandidateRow, error)

	// SelectCandidates returns up to limit rows with no distance ordering,
	// optionally filtered by document. Used on the brute-force path.
	SelectCandidates(ctx context.Context, documentID string, limit int32) ([]CandidateRow, error)

	// CountEmbeddings counts rows for a document.
	CountEmbeddings(ctx context.Context, documentID string) (int64, error)

	// MarkDocumentIndexed transitions the document's status to indexed.
	MarkDocumentIndexed(ctx context.Context, documentID string) error

	// InsertEmbeddings persists rows for a document.
	InsertEmbeddings(ctx context.Context, rows []EmbeddingRow) error

	// DeleteEmbeddings removes all rows for a document.
	DeleteEmbeddings(ctx context.Context, documentID string) (int64, error)
}

// Filter restricts search candidates. A nil filter matches everything.
// Namespace membership is checked case-insensitively after retrieval; the
// wildcard "*" anywhere in Namespaces bypasses namespace isolation.
type Filter struct {
	DocumentID string
	Namespaces []string
}

// SearchResult is one ranked hit. Score is cosine similarity rescaled to
// [0,1] (cosine distance δ ∈ [0,2] maps to 1 − δ/2).
type SearchResult struct {
	ID         string
	DocumentID string
	ChunkText  string
	Score      float32
	Metadata   map[string]string
}

// Stats reports cache behavior since the Store was created.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// Config tunes a Store. Zero values take documented defaults.
type Config struct {
	// MaxCacheSize bounds the hot-vector cache.
	MaxCacheSize int

	// FanoutFactor multiplies k during candidate over-fetch.
	FanoutFactor int

	// DistanceOrdering declares that the backing store supports
	// ordered-by-distance retrieval (e.g. an IVFFlat index). This is a
	// capability flag on configuration, not a runtime type check; scoring,
	// filtering and ranking are identical either way.
	DistanceOrdering bool

	// QueryTimeout bounds each search round-trip.
	QueryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = DefaultMaxCacheSize
	}
	if c.FanoutFactor <= 0 {
		c.FanoutFactor = DefaultFanoutFactor
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	return c
}

// Store manages durable embedding rows with a bounded hot-vector cache.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	queries Querier
	logger  *slog.Logger
	cfg     Config
	cache   *lruCache
	tracer  trace.Tracer

	mu       sync.Mutex
	indexing map[string]struct{}
}

// New creates a Store.
func New(querier Querier, logger *slog.Logger, cfg Config) (*Store, error) {
	if querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Store{
		queries:  querier,
		logger:   logger,
		cfg:      cfg,
		cache:    newLRUCache(cfg.MaxCacheSize),
		tracer:   otel.Tracer("ragcore/store"),
		indexing: make(map[string]struct{}),
	}, nil
}

// Search returns the top k rows most similar to queryVec, subject to the
// filter. Backing-store failures degrade to an empty result set (retrieval
// is advisory context, not a transaction); a dimension mismatch during
// scoring is a hard error.
//
// Ties on score break by ascending row id so result order is deterministic.
func (s *Store) Search(ctx context.Context, queryVec []float32, k int, filter *Filter) ([]SearchResult, error) {
	start := time.Now()
	if k <= 0 {
		k = DefaultTopK
	}

	ctx, span := s.tracer.Start(ctx, "store.search", trace.WithAttributes(
		attribute.Int("search.k", k),
		attribute.Bool("search.distance_ordering", s.cfg.DistanceOrdering),
	))
	defer span.End()

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := s.loadCandidates(queryCtx, queryVec, k, filter)
	if err != nil {
		s.logger.Error("candidate retrieval failed, returning empty results",
			"error", err,
			"k", k,
			"filter_document", filterDocument(filter),
			"filter_namespaces", filterNamespaces(filter),
			"latency", time.Since(start))
		return []SearchResult{}, nil
	}

	scored, err := s.scoreCandidates(queryVec, rows)
	if err != nil {
		// Dimension mismatch is a config defect, never swallowed.
		return nil, err
	}

	s.warmCache(scored)

	kept := s.filterByNamespace(scored, filter)

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].row.ID < kept[j].row.ID
	})
	if len(kept) > k {
		kept = kept[:k]
	} else if len(kept) < k && len(rows) >= k {
		s.logger.Debug("namespace filtering under-filled requested k",
			"k", k, "returned", len(kept), "loaded", len(rows))
	}

	results := make([]SearchResult, 0, len(kept))
	for _, c := range kept {
		results = append(results, SearchResult{
			ID:         c.row.ID,
			DocumentID: c.row.DocumentID,
			ChunkText:  c.row.ChunkText,
			Score:      c.Score,
			Metadata:   c.meta,
		})
	}

	s.logger.Debug("search complete",
		"k", k,
		"loaded", len(rows),
		"returned", len(results),
		"latency", time.Since(start))
	return results, nil
}

// scoredCandidate pairs a loaded row with its similarity score and parsed
// metadata.
type scoredCandidate struct {
	row   CandidateRow
	Score float32
	meta  map[string]string
}

// loadCandidates over-fetches k × fanout rows, ordered by distance when the
// backing store supports it, otherwise a bounded unordered load scored
// in-process.
func (s *Store) loadCandidates(ctx context.Context, queryVec []float32, k int, filter *Filter) ([]CandidateRow, error) {
	documentID := filterDocument(filter)

	if s.cfg.DistanceOrdering {
		limit := int32(k * s.cfg.FanoutFactor)
		return s.queries.SelectNearest(ctx, pgvector.NewVector(queryVec), documentID, limit)
	}
	return s.queries.SelectCandidates(ctx, documentID, maxBruteForceCandidates)
}

// scoreCandidates converts each candidate to a [0,1] similarity score.
// Ordered retrieval reports cosine distance δ ∈ [0,2], mapped to 1 − δ/2;
// the brute-force path computes the dot product in-process and maps the
// cosine value through the same (1 + cos)/2 rescale.
func (s *Store) scoreCandidates(queryVec []float32, rows []CandidateRow) ([]scoredCandidate, error) {
	scored := make([]scoredCandidate, 0, len(rows))
	for _, row := range rows {
		var score float32
		if s.cfg.DistanceOrdering {
			score = clampScore(float32(1 - row.Distance/2))
		} else {
			cos, err := embedding.CosineSimilarity(queryVec, row.Embedding.Slice())
			if err != nil {
				return nil, fmt.Errorf("scoring candidate %q: %w", row.ID, err)
			}
			score = clampScore((1 + cos) / 2)
		}
		scored = append(scored, scoredCandidate{
			row:   row,
			Score: score,
			meta:  s.parseMetadata(row),
		})
	}
	return scored, nil
}

func clampScore(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Store) parseMetadata(row CandidateRow) map[string]string {
	if len(row.Metadata) == 0 {
		return map[string]string{}
	}
	var meta map[string]string
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		s.logger.Warn("failed to parse candidate metadata", "id", row.ID, "error", err)
		return map[string]string{}
	}
	return meta
}

// warmCache opportunistically populates the cache with loaded-but-uncached
// candidates (counted as misses) and refreshes access time for cached ones
// (counted as hits).
func (s *Store) warmCache(scored []scoredCandidate) {
	for _, c := range scored {
		if _, ok := s.cache.get(c.row.ID); ok {
			continue
		}
		s.cache.put(c.row.ID, &cacheEntry{
			vector:     c.row.Embedding.Slice(),
			text:       c.row.ChunkText,
			documentID: c.row.DocumentID,
			metadata:   c.meta,
		})
	}
}

// filterByNamespace applies namespace isolation after retrieval. A
// candidate passes if no filter was given, the filter contains the
// wildcard, or its namespace is a case-insensitive member of the filter
// set. Candidates missing namespace metadata are excluded unless the
// wildcard is present, and logged as a data-quality warning.
func (s *Store) filterByNamespace(scored []scoredCandidate, filter *Filter) []scoredCandidate {
	if filter == nil || len(filter.Namespaces) == 0 {
		return scored
	}

	allowed := make(map[string]struct{}, len(filter.Namespaces))
	wildcard := false
	for _, ns := range filter.Namespaces {
		if ns == NamespaceWildcard {
			wildcard = true
		}
		allowed[strings.ToLower(ns)] = struct{}{}
	}
	if wildcard {
		return scored
	}

	kept := make([]scoredCandidate, 0, len(scored))
	for _, c := range scored {
		ns, ok := c.meta["namespace"]
		if !ok || ns == "" {
			s.logger.Warn("candidate missing namespace metadata, excluded from filtered search",
				"id", c.row.ID, "document_id", c.row.DocumentID)
			continue
		}
		if _, member := allowed[strings.ToLower(ns)]; member {
			kept = append(kept, c)
		}
	}
	return kept
}

// IndexDocument verifies persisted embedding rows exist for the document
// and invalidates any stale cache entries first, so no cache entry can
// reflect pre-reindex content after this call returns. The rows themselves
// are written by the ingestion step (see InsertEmbeddings).
//
// Concurrent calls for the same document are serialized by skipping: the
// second call logs and returns nil without doing any work.
func (s *Store) IndexDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	s.mu.Lock()
	if _, busy := s.indexing[documentID]; busy {
		s.mu.Unlock()
		s.logger.Info("indexing already in progress, skipping", "document_id", documentID)
		return nil
	}
	s.indexing[documentID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.indexing, documentID)
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "store.index_document",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	// Invalidate before verification so a stale hot entry can never
	// outlive a reindex.
	if removed := s.cache.invalidateByDocument(documentID); removed > 0 {
		s.logger.Debug("invalidated stale cache entries", "document_id", documentID, "removed", removed)
	}

	count, err := s.queries.CountEmbeddings(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: verifying embeddings for document %q: %w", ErrBackingStore, documentID, err)
	}
	if count == 0 {
		return fmt.Errorf("no embedding rows found for document %q", documentID)
	}

	if err := s.queries.MarkDocumentIndexed(ctx, documentID); err != nil {
		return fmt.Errorf("%w: marking document %q indexed: %w", ErrBackingStore, documentID, err)
	}

	s.logger.Debug("document indexed", "document_id", documentID, "embeddings", count)
	return nil
}

// InsertEmbeddings persists (chunk, vector) pairs for a document. The
// namespace, when non-empty, is recorded in each row's metadata and is
// what namespace filtering matches against at query time.
//
// Write-path failures propagate so the ingestion pipeline can retry or
// mark the document failed.
func (s *Store) InsertEmbeddings(ctx context.Context, documentID, namespace string, pairs []embedding.Embedded) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}
	if len(pairs) == 0 {
		return nil
	}

	rows := make([]EmbeddingRow, len(pairs))
	for i, p := range pairs {
		meta := map[string]string{
			"chunk_index": fmt.Sprintf("%d", p.Chunk.Index),
		}
		if namespace != "" {
			meta["namespace"] = namespace
		}
		for k, v := range p.Chunk.Metadata {
			meta[k] = v
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshaling metadata for chunk %d: %w", p.Chunk.Index, err)
		}
		rows[i] = EmbeddingRow{
			ID:         uuid.NewString(),
			DocumentID: documentID,
			ChunkText:  p.Chunk.Text,
			Embedding:  pgvector.NewVector(p.Vector),
			Metadata:   metaJSON,
		}
	}

	if err := s.queries.InsertEmbeddings(ctx, rows); err != nil {
		return fmt.Errorf("%w: inserting %d embeddings for document %q: %w",
			ErrBackingStore, len(rows), documentID, err)
	}

	s.logger.Debug("embeddings persisted", "document_id", documentID, "rows", len(rows))
	return nil
}

// RemoveDocument deletes the document's durable rows and exhaustively
// evicts its cache entries so no stale hot entry can be returned after
// removal. Write-path failures propagate.
func (s *Store) RemoveDocument(ctx context.Context, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document ID is required")
	}

	ctx, span := s.tracer.Start(ctx, "store.remove_document",
		trace.WithAttributes(attribute.String("document.id", documentID)))
	defer span.End()

	deleted, err := s.queries.DeleteEmbeddings(ctx, documentID)
	if err != nil {
		return fmt.Errorf("%w: deleting embeddings for document %q: %w", ErrBackingStore, documentID, err)
	}

	evicted := s.cache.invalidateByDocument(documentID)
	s.logger.Debug("document removed", "document_id", documentID, "rows_deleted", deleted, "cache_evicted", evicted)
	return nil
}

// Stats returns cache size and counter snapshot.
func (s *Store) Stats() Stats {
	hits, misses, evictions := s.cache.counters()
	st := Stats{
		Size:      s.cache.size(),
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

func filterDocument(f *Filter) string {
	if f == nil {
		return ""
	}
	return f.DocumentID
}

func filterNamespaces(f *Filter) []string {
	if f == nil {
		return nil
	}
	return f.Namespaces
}
