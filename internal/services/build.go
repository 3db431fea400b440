package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/auth"
	"github.com/fyrsmithlabs/securerag/internal/chunking"
	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/embeddings"
	"github.com/fyrsmithlabs/securerag/internal/events"
	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/query"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/storage"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

// Build constructs every service from cfg. The returned close function
// releases the store, the embedding provider and the event connection, in
// reverse order of creation; it is non-nil even when err is non-nil.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Registry, func() error, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		closers = nil
		return errors.Join(errs...)
	}

	roles := rbac.NewService(nil, logger)
	authSvc := auth.NewService(roles, auth.OptionsFromSettings(cfg.Auth), logger)

	var counter chunking.TokenCounter
	if tc, err := chunking.NewTiktokenCounter(cfg.Chunking.Encoding); err != nil {
		logger.Warn(ctx, "tiktoken unavailable, using approximate token counts",
			zap.String("encoding", cfg.Chunking.Encoding), zap.Error(err))
	} else {
		counter = tc
	}
	chunker := chunking.NewService(counter, logger)

	provider, err := embeddings.NewProvider(ctx, cfg.Embeddings, logger)
	if err != nil {
		return nil, closeAll, fmt.Errorf("creating embedding provider: %w", err)
	}
	closers = append(closers, provider.Close)
	embedder := embeddings.NewService(provider, embeddings.BatchOptions{
		Size:  cfg.Embeddings.BatchSize,
		Delay: cfg.Embeddings.BatchDelay.Duration(),
	}, logger)

	store, err := vectorstore.NewStore(ctx, cfg.VectorStore, logger)
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, store.Close)

	publisher, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return nil, closeAll, fmt.Errorf("connecting events: %w", err)
	}
	closers = append(closers, publisher.Close)

	storageSvc := storage.NewService(store, storage.OptionsFromSettings(cfg.Storage), logger)

	// A nil *events.Publisher must not become a non-nil interface.
	var (
		sink  indexing.EventSink
		audit query.AuditSink
	)
	if publisher != nil {
		sink, audit = publisher, publisher
	}

	indexer := indexing.NewService(chunker, embedder, storageSvc, sink, indexing.OptionsFromSettings(cfg), logger)
	querySvc := query.NewService(store, embedder, roles, audit, query.OptionsFromSettings(cfg), logger)

	logger.Info(ctx, "services ready",
		zap.String("vectorstore", store.Backend()),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("events", publisher != nil))

	return NewRegistry(Options{
		Config:      cfg,
		Roles:       roles,
		Auth:        authSvc,
		Chunker:     chunker,
		Embedder:    embedder,
		VectorStore: store,
		Storage:     storageSvc,
		Indexer:     indexer,
		Query:       querySvc,
		Events:      publisher,
	}), closeAll, nil
}
