package config

import (
	"fmt"
	"slices"
)

// validSSLModes are the sslmode values libpq and pgx accept.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values. Returns sentinel errors
// checkable with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Embedding configuration
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}
	// pgvector columns max out at 16000 dimensions; the practical range
	// for text embedding models is 128-3072.
	if c.EmbedderDimension < 1 || c.EmbedderDimension > 16000 {
		return fmt.Errorf("%w: must be between 1 and 16000, got %d", ErrInvalidDimension, c.EmbedderDimension)
	}
	if c.QueryTokenBudget < 1 {
		return fmt.Errorf("%w: query_token_budget must be positive, got %d", ErrInvalidChunkTokens, c.QueryTokenBudget)
	}
	if c.EmbedRateLimit < 0 {
		return fmt.Errorf("%w: embed_rate_limit must be non-negative, got %v", ErrInvalidEmbedRateLimit, c.EmbedRateLimit)
	}
	if c.EmbedRateLimit > 0 && c.EmbedBurst < 1 {
		return fmt.Errorf("%w: embed_burst must be positive when a rate limit is set, got %d",
			ErrInvalidEmbedRateLimit, c.EmbedBurst)
	}

	// Chunking configuration
	if c.MaxChunkTokens < 1 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalidChunkTokens, c.MaxChunkTokens)
	}
	if c.OverlapTokens < 0 || c.OverlapTokens >= c.MaxChunkTokens {
		return fmt.Errorf("%w: must be non-negative and smaller than max_chunk_tokens (%d), got %d",
			ErrInvalidOverlapTokens, c.MaxChunkTokens, c.OverlapTokens)
	}

	// Retrieval configuration
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalidCacheSize, c.MaxCacheSize)
	}
	if c.FanoutFactor < 1 || c.FanoutFactor > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidFanout, c.FanoutFactor)
	}

	// PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: must be one of %v, got %q", ErrInvalidPostgresSSLMode, validSSLModes, c.PostgresSSLMode)
	}

	return nil
}
