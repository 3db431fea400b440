// Package config provides configuration loading for securerag.
//
// All optional settings live in one Config struct. Defaults are resolved once
// by Default and then overlaid by the YAML file and SECURERAG_* environment
// variables; constructors receive the resolved struct and never read the
// environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrMissingSecret is returned when a required secret is not configured.
var ErrMissingSecret = errors.New("required secret not configured")

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Auth        AuthConfig        `koanf:"auth"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Storage     StorageConfig     `koanf:"storage"`
	Indexing    IndexingConfig    `koanf:"indexing"`
	Query       QueryConfig       `koanf:"query"`
	Events      EventsConfig      `koanf:"events"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// AuthConfig holds credential verification settings.
type AuthConfig struct {
	JWTSecret     Secret   `koanf:"jwt_secret"`
	DefaultTenant string   `koanf:"default_tenant"`
	ClockSkew     Duration `koanf:"clock_skew"`
}

// ChunkingConfig selects the chunking strategy.
//
// MaxChunkSize is in tokens for the token strategy and characters for the
// character strategy. Zero means "derive from document length".
type ChunkingConfig struct {
	Strategy     string `koanf:"strategy"`
	MaxChunkSize int    `koanf:"max_chunk_size"`
	Overlap      int    `koanf:"overlap"`
	Encoding     string `koanf:"encoding"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	Provider   string   `koanf:"provider"`
	Model      string   `koanf:"model"`
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Dimension  int      `koanf:"dimension"`
	BatchSize  int      `koanf:"batch_size"`
	BatchDelay Duration `koanf:"batch_delay"`
	RateLimit  float64  `koanf:"rate_limit"`
	RateBurst  int      `koanf:"rate_burst"`
	Timeout    Duration `koanf:"timeout"`
	CacheDir   string   `koanf:"cache_dir"`
	MaxRetries int      `koanf:"max_retries"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	Provider  string         `koanf:"provider"`
	IndexName string         `koanf:"index_name"`
	Chromem   ChromemConfig  `koanf:"chromem"`
	Qdrant    QdrantConfig   `koanf:"qdrant"`
	Pgvector  PgvectorConfig `koanf:"pgvector"`
	Redis     RedisConfig    `koanf:"redis"`
}

// ChromemConfig configures the embedded chromem-go backend.
// An empty Path keeps the database in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
	UseTLS         bool     `koanf:"use_tls"`
	APIKey         Secret   `koanf:"api_key"`
	MaxMessageSize int      `koanf:"max_message_size"`
	MaxRetries     int      `koanf:"max_retries"`
	RetryBackoff   Duration `koanf:"retry_backoff"`
}

// PgvectorConfig configures the PostgreSQL + pgvector backend.
type PgvectorConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// RedisConfig configures the Redis Stack (RediSearch) backend.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password Secret `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
}

// RetryConfig is the unified retry policy.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	Backoff     string   `koanf:"backoff"`
	Delay       Duration `koanf:"delay"`
	MaxDelay    Duration `koanf:"max_delay"`
}

// StorageConfig tunes the storage service.
type StorageConfig struct {
	SingleShotLimit int         `koanf:"single_shot_limit"`
	BatchSize       int         `koanf:"batch_size"`
	BatchDelay      Duration    `koanf:"batch_delay"`
	Retry           RetryConfig `koanf:"retry"`
}

// IndexingConfig tunes the document processor.
type IndexingConfig struct {
	LargeDocumentChunks int  `koanf:"large_document_chunks"`
	ProgressEvery       int  `koanf:"progress_every"`
	PlanSampleSize      int  `koanf:"plan_sample_size"`
	DeleteStale         bool `koanf:"delete_stale"`

	// DocumentRoot is the only directory tree HTTP indexing requests may
	// read from. It is required; the configuration file and other server
	// files must live outside it.
	DocumentRoot string `koanf:"document_root"`
}

// QueryConfig tunes the query service.
type QueryConfig struct {
	TopK           int     `koanf:"top_k"`
	MinSimilarity  float64 `koanf:"min_similarity"`
	AccessMismatch string  `koanf:"access_mismatch"`

	// MaxContexts caps the contexts returned per query after dedupe.
	// Zero leaves the count to top_k.
	MaxContexts int `koanf:"max_contexts"`
}

// EventsConfig configures the NATS event publisher.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NatsURL string `koanf:"nats_url"`
	Prefix  string `koanf:"prefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
	OTEL     bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool     `koanf:"enabled"`
	Endpoint     string   `koanf:"endpoint"`
	Protocol     string   `koanf:"protocol"`
	Insecure     bool     `koanf:"insecure"`
	SamplingRate float64  `koanf:"sampling_rate"`
	ServiceName  string   `koanf:"service_name"`
	Version      string   `koanf:"version"`
	Interval     Duration `koanf:"interval"`
}

// DefaultDocumentRoot returns ~/.local/share/securerag/documents, or a
// "documents" directory under the working directory when there is no home.
func DefaultDocumentRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "documents"
	}
	return filepath.Join(home, ".local", "share", "securerag", "documents")
}

// Default returns a Config with every default resolved.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "2M",
		},
		Auth: AuthConfig{
			DefaultTenant: "root",
			ClockSkew:     Duration(5 * time.Second),
		},
		Chunking: ChunkingConfig{
			Strategy: "token",
			Encoding: "cl100k_base",
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "tei",
			Model:      "BAAI/bge-small-en-v1.5",
			BaseURL:    "http://localhost:8080",
			BatchSize:  200,
			BatchDelay: Duration(100 * time.Millisecond),
			RateLimit:  20,
			RateBurst:  5,
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 3,
		},
		VectorStore: VectorStoreConfig{
			Provider:  "chromem",
			IndexName: "governed_rag",
			Qdrant: QdrantConfig{
				Host:           "localhost",
				Port:           6334,
				MaxMessageSize: 50 * 1024 * 1024,
				MaxRetries:     3,
				RetryBackoff:   Duration(time.Second),
			},
			Pgvector: PgvectorConfig{MaxConns: 10},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Storage: StorageConfig{
			SingleShotLimit: 500,
			BatchSize:       200,
			BatchDelay:      Duration(100 * time.Millisecond),
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     "fixed",
				Delay:       Duration(time.Second),
				MaxDelay:    Duration(10 * time.Second),
			},
		},
		Indexing: IndexingConfig{
			LargeDocumentChunks: 5000,
			ProgressEvery:       10,
			PlanSampleSize:      5,
			DeleteStale:         true,
			DocumentRoot:        DefaultDocumentRoot(),
		},
		Query: QueryConfig{
			TopK:           8,
			MinSimilarity:  0.4,
			AccessMismatch: "drop",
		},
		Events: EventsConfig{
			NatsURL: "nats://localhost:4222",
			Prefix:  "securerag",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
			ServiceName:  "securerag",
			Version:      "0.1.0",
			Interval:     Duration(15 * time.Second),
		},
	}
}

// Validate checks configuration for errors. It does not require the JWT
// secret; use RequireJWTSecret where verification is about to happen.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Chunking.Strategy {
	case "token", "character":
	default:
		errs = append(errs, fmt.Errorf("chunking.strategy must be token or character, got %q", c.Chunking.Strategy))
	}
	if c.Chunking.MaxChunkSize < 0 {
		errs = append(errs, fmt.Errorf("chunking.max_chunk_size must be >= 0"))
	}
	if c.Chunking.Strategy == "character" && c.Chunking.MaxChunkSize > 0 &&
		(c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxChunkSize) {
		errs = append(errs, fmt.Errorf("chunking.overlap must be in [0, max_chunk_size)"))
	}

	switch c.Embeddings.Provider {
	case "tei", "fastembed", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be tei, fastembed, openai or hash, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.batch_size must be positive"))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant", "pgvector", "redis":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem, qdrant, pgvector or redis, got %q", c.VectorStore.Provider))
	}
	if strings.TrimSpace(c.VectorStore.IndexName) == "" {
		errs = append(errs, fmt.Errorf("vectorstore.index_name is required"))
	}
	if c.VectorStore.Provider == "pgvector" && !c.VectorStore.Pgvector.DSN.IsSet() {
		errs = append(errs, fmt.Errorf("vectorstore.pgvector.dsn is required for the pgvector provider"))
	}

	if c.Storage.SingleShotLimit < 0 || c.Storage.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.single_shot_limit must be >= 0 and storage.batch_size > 0"))
	}
	if c.Storage.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("storage.retry.max_attempts must be >= 1"))
	}
	switch c.Storage.Retry.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("storage.retry.backoff must be fixed or exponential, got %q", c.Storage.Retry.Backoff))
	}

	if c.Query.TopK <= 0 {
		errs = append(errs, fmt.Errorf("query.top_k must be positive"))
	}
	if c.Query.MaxContexts < 0 {
		errs = append(errs, fmt.Errorf("query.max_contexts must not be negative"))
	}
	if c.Query.MinSimilarity < -1 || c.Query.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("query.min_similarity must be within [-1, 1]"))
	}
	switch c.Query.AccessMismatch {
	case "drop", "audit":
	default:
		errs = append(errs, fmt.Errorf("query.access_mismatch must be drop or audit, got %q", c.Query.AccessMismatch))
	}

	if strings.TrimSpace(c.Indexing.DocumentRoot) == "" {
		errs = append(errs, fmt.Errorf("indexing.document_root is required"))
	}

	if c.Events.Enabled && c.Events.NatsURL == "" {
		errs = append(errs, fmt.Errorf("events.nats_url is required when events are enabled"))
	}

	return errors.Join(errs...)
}

// RequireJWTSecret returns ErrMissingSecret when no signing secret is set.
func (c *Config) RequireJWTSecret() error {
	if !c.Auth.JWTSecret.IsSet() {
		return fmt.Errorf("auth.jwt_secret: %w", ErrMissingSecret)
	}
	return nil
}
