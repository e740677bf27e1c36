// Package ragcore is a retrieval core for RAG applications: a
// sentence-aware chunker, an embedding pipeline producing unit vectors,
// and a pgvector-backed vector store with a bounded hot-vector cache.
//
// Setup wires the full engine from configuration; consumers then call
// Engine methods for ingestion and search:
//
//	cfg, err := ragcore.LoadConfig()
//	// handle err
//	client, err := ragcore.Setup(ctx, cfg)
//	// handle err
//	defer client.Close()
//
//	err = client.Engine.IngestDocument(ctx, "doc-1", "sales", text)
//	results, err := client.Engine.Search(ctx, "quarterly revenue", 5, nil)
package ragcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/vettle/ragcore/db"
	"github.com/vettle/ragcore/internal/chunker"
	"github.com/vettle/ragcore/internal/config"
	"github.com/vettle/ragcore/internal/database"
	"github.com/vettle/ragcore/internal/embedding"
	"github.com/vettle/ragcore/internal/observability"
	"github.com/vettle/ragcore/internal/retrieval"
	"github.com/vettle/ragcore/internal/store"
)

// Aliases re-export the types consumers hold. The implementation lives in
// internal packages; these are the supported names.
type (
	// Config is the engine configuration. See LoadConfig.
	Config = config.Config

	// Engine is the assembled retrieval engine.
	Engine = retrieval.Engine

	// Filter restricts search candidates by document and namespaces.
	Filter = store.Filter

	// SearchResult is one ranked search hit with a [0,1] score.
	SearchResult = store.SearchResult

	// Stats reports cache behavior.
	Stats = store.Stats
)

// NamespaceWildcard in a Filter bypasses namespace isolation.
const NamespaceWildcard = store.NamespaceWildcard

// LoadConfig loads configuration from environment variables, the config
// file and defaults, and validates it.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// Client owns the assembled engine and its resources.
type Client struct {
	Engine   *Engine
	Pool     *pgxpool.Pool
	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	otelShutdown func()
}

// Setup migrates the schema, connects the database pool, initializes the
// embedding provider and assembles the Engine. On error, everything
// already initialized is released.
func Setup(ctx context.Context, cfg *Config) (_ *Client, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}

	c := &Client{}
	defer func() {
		if retErr != nil {
			if err := c.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	c.otelShutdown = provideOtelShutdown(ctx, cfg)

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	c.Pool = pool

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	c.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	c.Embedder = embedder

	engine, err := assembleEngine(cfg, embedder, pool)
	if err != nil {
		return nil, err
	}
	c.Engine = engine

	return c, nil
}

// assembleEngine builds the component graph below the provider boundary.
func assembleEngine(cfg *Config, embedder ai.Embedder, pool *pgxpool.Pool) (*Engine, error) {
	logger := slog.Default()

	embedOpts := []embedding.Option{
		embedding.WithDimension(cfg.EmbedderDimension),
		embedding.WithQueryTokenBudget(cfg.QueryTokenBudget),
	}
	if cfg.EmbedRateLimit > 0 {
		embedOpts = append(embedOpts, embedding.WithRateLimit(rate.Limit(cfg.EmbedRateLimit), cfg.EmbedBurst))
	}
	svc, err := embedding.NewService(embedder, logger, embedOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}

	querier, err := store.NewPGQuerier(pool)
	if err != nil {
		return nil, fmt.Errorf("creating store querier: %w", err)
	}
	vs, err := store.New(querier, logger, store.Config{
		MaxCacheSize:     cfg.MaxCacheSize,
		FanoutFactor:     cfg.FanoutFactor,
		DistanceOrdering: cfg.DistanceOrdering,
		QueryTimeout:     time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating vector store: %w", err)
	}

	ck := chunker.New(
		chunker.WithMaxChunkTokens(cfg.MaxChunkTokens),
		chunker.WithOverlapTokens(cfg.OverlapTokens),
	)
	return retrieval.New(svc, vs, logger, retrieval.WithChunker(ck))
}

// provideOtelShutdown starts trace export when enabled. Export problems
// never block startup.
func provideOtelShutdown(ctx context.Context, cfg *Config) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		slog.Warn("trace export setup failed, continuing without tracing", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// Close releases the client's resources: flushes traces and closes the
// database pool.
func (c *Client) Close() error {
	if c.otelShutdown != nil {
		c.otelShutdown()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
	return nil
}
