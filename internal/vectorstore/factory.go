package vectorstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/retry"
)

// NewStore creates the backend named by cfg.Provider.
//
// Supported providers:
//   - "chromem" (default): embedded, in memory or persisted to a directory
//   - "qdrant": Qdrant over gRPC
//   - "pgvector": PostgreSQL with the pgvector extension
//   - "redis": Redis Stack with RediSearch
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case "", backendChromem:
		store, err = NewChromemStore(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)

	case backendQdrant:
		q := QdrantConfig{
			Host:           cfg.Qdrant.Host,
			Port:           cfg.Qdrant.Port,
			UseTLS:         cfg.Qdrant.UseTLS,
			APIKey:         cfg.Qdrant.APIKey,
			MaxMessageSize: cfg.Qdrant.MaxMessageSize,
		}
		if cfg.Qdrant.MaxRetries > 0 {
			q.Retry = retry.Policy{
				MaxAttempts: cfg.Qdrant.MaxRetries,
				Kind:        retry.Exponential,
				Delay:       cfg.Qdrant.RetryBackoff.Duration(),
				MaxDelay:    10 * time.Second,
			}
		}
		store, err = NewQdrantStore(ctx, q, logger)

	case backendPgvector:
		store, err = NewPgvectorStore(ctx, PgvectorConfig{
			DSN:      cfg.Pgvector.DSN,
			MaxConns: cfg.Pgvector.MaxConns,
		}, logger)

	case backendRedis:
		store, err = NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported vector store provider %q (supported: chromem, qdrant, pgvector, redis)",
			ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s store: %w", cfg.Provider, err)
	}

	logger.Info(ctx, "vector store ready",
		zap.String("backend", store.Backend()),
		zap.String("index", cfg.IndexName))
	return store, nil
}
