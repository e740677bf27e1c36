// Package config provides retrieval engine configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ragcore/config.yaml or ./config.yaml)
//  3. Default values
//
// Categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Embedding: provider model, vector dimension, query token budget
//   - Chunking: chunk and overlap token budgets
//   - Retrieval: cache size, fanout, top-k, timeouts
//   - Observability: OTLP trace export (see observability.go)
//
// Sensitive values (the database password) are masked in MarshalJSON and
// String, so a Config can be logged safely.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidEmbedderModel indicates the embedder model is empty.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidDimension indicates the embedding dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidChunkTokens indicates the chunk token budget is out of range.
	ErrInvalidChunkTokens = errors.New("invalid chunk token budget")

	// ErrInvalidOverlapTokens indicates the overlap budget is not smaller
	// than the chunk budget.
	ErrInvalidOverlapTokens = errors.New("invalid overlap token budget")

	// ErrInvalidEmbedRateLimit indicates the embed rate limit or burst is
	// out of range.
	ErrInvalidEmbedRateLimit = errors.New("invalid embed rate limit")

	// ErrInvalidCacheSize indicates the cache size is out of range.
	ErrInvalidCacheSize = errors.New("invalid cache size")

	// ErrInvalidFanout indicates the fanout factor is out of range.
	ErrInvalidFanout = errors.New("invalid fanout factor")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is unknown.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default but supports
	// truncation via OutputDimensionality; the schema stores 768.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedderDimension matches the vector(768) column in the
	// embeddings table.
	DefaultEmbedderDimension = 768

	// DefaultQueryTokenBudget caps query length before embedding.
	DefaultQueryTokenBudget = 1000

	// DefaultMaxChunkTokens is the chunk size budget.
	DefaultMaxChunkTokens = 512

	// DefaultOverlapTokens is the chunk overlap budget.
	DefaultOverlapTokens = 128
)

// Config stores retrieval engine configuration.
// SECURITY: sensitive fields are masked in MarshalJSON.
type Config struct {
	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding configuration. EmbedRateLimit caps provider calls in
	// requests per second (0 disables throttling); EmbedBurst is the
	// limiter's burst size.
	EmbedderModel     string  `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDimension int32   `mapstructure:"embedder_dimension" json:"embedder_dimension"`
	QueryTokenBudget  int     `mapstructure:"query_token_budget" json:"query_token_budget"`
	EmbedRateLimit    float64 `mapstructure:"embed_rate_limit" json:"embed_rate_limit"`
	EmbedBurst        int     `mapstructure:"embed_burst" json:"embed_burst"`

	// Chunking configuration
	MaxChunkTokens int `mapstructure:"max_chunk_tokens" json:"max_chunk_tokens"`
	OverlapTokens  int `mapstructure:"overlap_tokens" json:"overlap_tokens"`

	// Retrieval configuration
	MaxCacheSize        int  `mapstructure:"max_cache_size" json:"max_cache_size"`
	FanoutFactor        int  `mapstructure:"fanout_factor" json:"fanout_factor"`
	DistanceOrdering    bool `mapstructure:"distance_ordering" json:"distance_ordering"`
	QueryTimeoutSeconds int  `mapstructure:"query_timeout_seconds" json:"query_timeout_seconds"`

	// Observability configuration (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".ragcore")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "ragcore")
	v.SetDefault("postgres_password", "ragcore_dev_password")
	v.SetDefault("postgres_db_name", "ragcore")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Embedding defaults
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedder_dimension", DefaultEmbedderDimension)
	v.SetDefault("query_token_budget", DefaultQueryTokenBudget)
	v.SetDefault("embed_rate_limit", 0) // unlimited
	v.SetDefault("embed_burst", 1)

	// Chunking defaults
	v.SetDefault("max_chunk_tokens", DefaultMaxChunkTokens)
	v.SetDefault("overlap_tokens", DefaultOverlapTokens)

	// Retrieval defaults
	v.SetDefault("max_cache_size", 1000)
	v.SetDefault("fanout_factor", 3)
	v.SetDefault("distance_ordering", true)
	v.SetDefault("query_timeout_seconds", 10)

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "dev")
	v.SetDefault("tracing.service_name", "ragcore")
	v.SetDefault("tracing.enabled", false)
}

// bindEnvVariables binds environment overrides explicitly. Hardcoded keys
// cannot fail to bind; a bind error here is a bug, hence the panic.
func bindEnvVariables(v *viper.Viper) {
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("embedder_model", "RAGCORE_EMBEDDER_MODEL")
	mustBind("embedder_dimension", "RAGCORE_EMBEDDER_DIMENSION")
	mustBind("embed_rate_limit", "RAGCORE_EMBED_RATE_LIMIT")
	mustBind("embed_burst", "RAGCORE_EMBED_BURST")
	mustBind("max_cache_size", "RAGCORE_MAX_CACHE_SIZE")
	mustBind("fanout_factor", "RAGCORE_FANOUT_FACTOR")
	mustBind("distance_ordering", "RAGCORE_DISTANCE_ORDERING")
	mustBind("tracing.enabled", "RAGCORE_TRACING_ENABLED")
	mustBind("tracing.endpoint", "RAGCORE_TRACING_ENDPOINT")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
	// NOTE: DATABASE_URL is parsed separately in parseDatabaseURL.
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debug
// utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
