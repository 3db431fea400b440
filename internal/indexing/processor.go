package indexing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/chunking"
	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/embeddings"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/storage"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

var tracer = otel.Tracer("securerag.indexing")

var documentsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securerag",
		Subsystem: "index",
		Name:      "documents_total",
		Help:      "Documents processed by final status",
	},
	[]string{"status"},
)

// EventSink receives indexing lifecycle events. *events.Publisher
// implements it; nil disables events.
type EventSink interface {
	PublishIndexEvent(ctx context.Context, tenant, event string, data any) error
}

// Options tunes the processor.
type Options struct {
	Index    string
	Chunking chunking.Options

	// LargeDocumentChunks is the chunk count above which a document gets a
	// "may take longer" warning.
	LargeDocumentChunks int

	// ProgressEvery controls how often batch progress is logged and
	// published.
	ProgressEvery int

	PlanSampleSize     int
	DeleteStale        bool
	EmbeddingBatchSize int
	StorageBatchSize   int
	SingleShotLimit    int
}

// OptionsFromSettings builds Options from configuration.
func OptionsFromSettings(cfg *config.Config) Options {
	return Options{
		Index: cfg.VectorStore.IndexName,
		Chunking: chunking.Options{
			Strategy: chunking.Strategy(cfg.Chunking.Strategy),
			MaxSize:  cfg.Chunking.MaxChunkSize,
			Overlap:  cfg.Chunking.Overlap,
		},
		LargeDocumentChunks: cfg.Indexing.LargeDocumentChunks,
		ProgressEvery:       cfg.Indexing.ProgressEvery,
		PlanSampleSize:      cfg.Indexing.PlanSampleSize,
		DeleteStale:         cfg.Indexing.DeleteStale,
		EmbeddingBatchSize:  cfg.Embeddings.BatchSize,
		StorageBatchSize:    cfg.Storage.BatchSize,
		SingleShotLimit:     cfg.Storage.SingleShotLimit,
	}
}

func (o *Options) applyDefaults() {
	if o.Index == "" {
		o.Index = "governed_rag"
	}
	if o.Chunking.Strategy == "" {
		o.Chunking.Strategy = chunking.TokenStrategy
	}
	if o.LargeDocumentChunks <= 0 {
		o.LargeDocumentChunks = 5000
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 10
	}
	if o.PlanSampleSize <= 0 {
		o.PlanSampleSize = 5
	}
	if o.EmbeddingBatchSize <= 0 {
		o.EmbeddingBatchSize = embeddings.DefaultBatchSize
	}
	if o.StorageBatchSize <= 0 {
		o.StorageBatchSize = 200
	}
	if o.SingleShotLimit <= 0 {
		o.SingleShotLimit = 500
	}
}

// Service is the document processor.
type Service struct {
	chunker  *chunking.Service
	embedder *embeddings.Service
	storage  *storage.Service
	events   EventSink
	opts     Options
	logger   *logging.Logger
	read     func(path string) (string, error)
}

// NewService wires the processor. events may be nil.
func NewService(
	chunker *chunking.Service,
	embedder *embeddings.Service,
	store *storage.Service,
	events EventSink,
	opts Options,
	logger *logging.Logger,
) *Service {
	opts.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		chunker:  chunker,
		embedder: embedder,
		storage:  store,
		events:   events,
		opts:     opts,
		logger:   logger.Named("indexing"),
		read:     ReadDocument,
	}
}

// Index returns the target index name.
func (s *Service) Index() string { return s.opts.Index }

// chunkOptions picks the chunk size: explicit override, then configured
// size, then a size derived from the text length.
func (s *Service) chunkOptions(in DocumentInput, textLen int) chunking.Options {
	opts := s.opts.Chunking
	switch {
	case in.ChunkSize > 0:
		opts.MaxSize = in.ChunkSize
	case opts.MaxSize > 0:
	default:
		size := chunking.GetOptimalChunkSize(textLen)
		if opts.Strategy == chunking.CharacterStrategy {
			size *= chunking.CharsPerToken
			opts.Overlap = 0
		}
		opts.MaxSize = size
	}
	return opts
}

func validateInput(in DocumentInput) (rbac.Classification, error) {
	if strings.TrimSpace(in.DocID) == "" {
		return "", fmt.Errorf("%w: document id is empty", ErrInvalidInput)
	}
	c, err := rbac.ParseClassification(in.Classification)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return c, nil
}

// ProcessDocument runs one document through the pipeline. It never returns
// an error; failures are reported in the result.
func (s *Service) ProcessDocument(ctx context.Context, in DocumentInput) DocumentResult {
	start := time.Now()
	res := DocumentResult{DocID: in.DocID}
	logger := s.logger.With(zap.String("doc_id", in.DocID), zap.String("tenant", in.Tenant))

	ctx, span := tracer.Start(ctx, "indexing.document")
	span.SetAttributes(attribute.String("doc_id", in.DocID))
	defer span.End()

	fail := func(stage Status, err error) DocumentResult {
		res.Status = StatusFailed
		res.FailedStage = stage
		res.Error = err.Error()
		res.err = err
		res.ProcessingTime = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		documentsTotal.WithLabelValues(string(StatusFailed)).Inc()
		logger.Error(ctx, "document indexing failed",
			zap.String("stage", string(stage)),
			zap.Duration("elapsed", res.ProcessingTime),
			zap.Error(err))
		s.publish(ctx, in.Tenant, "failed", res)
		return res
	}

	classification, err := validateInput(in)
	if err != nil {
		return fail(StatusReading, err)
	}
	s.publish(ctx, in.Tenant, "started", map[string]string{"docId": in.DocID, "filePath": in.FilePath})

	// reading
	text, err := s.read(in.FilePath)
	if err != nil {
		return fail(StatusReading, err)
	}

	// chunking
	opts := s.chunkOptions(in, len([]rune(text)))
	chunks, err := s.chunker.Chunk(ctx, text, opts)
	if err != nil {
		return fail(StatusChunking, fmt.Errorf("chunking: %w", err))
	}
	if len(chunks) == 0 {
		return fail(StatusChunking, fmt.Errorf("%w: no chunks produced", ErrEmptyDocument))
	}
	if len(chunks) > s.opts.LargeDocumentChunks {
		w := fmt.Sprintf("document produced %d chunks (over %d); processing may take longer", len(chunks), s.opts.LargeDocumentChunks)
		res.Warnings = append(res.Warnings, w)
		logger.Warn(ctx, "large document", zap.Int("chunks", len(chunks)))
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	stats := s.chunker.Stats(chunks)
	logger.Debug(ctx, "document chunked",
		zap.Int("chunks", stats.Chunks),
		zap.Int("chunk_size", opts.MaxSize),
		zap.Int("avg_tokens", stats.AvgTokens))

	// embedding
	emb, err := s.embedder.EmbedChunks(ctx, texts)
	if err != nil {
		return fail(StatusEmbedding, err)
	}

	// storing
	store := s.storage.VectorStore()
	if err := store.CreateIndex(ctx, s.opts.Index, emb.Dimension); err != nil {
		return fail(StatusStoring, fmt.Errorf("ensuring index: %w", err))
	}
	if s.opts.DeleteStale {
		if err := store.DeleteByDocID(ctx, s.opts.Index, in.DocID); err != nil {
			if !errors.Is(err, vectorstore.ErrDeleteUnsupported) {
				return fail(StatusStoring, fmt.Errorf("removing stale vectors: %w", err))
			}
			res.Warnings = append(res.Warnings,
				"store cannot delete by document id; previous vectors for this document were kept")
			logger.Warn(ctx, "stale vectors kept", zap.String("backend", store.Backend()))
		}
	}

	source := in.Source
	if source == "" {
		source = filepath.Base(in.FilePath)
	}
	res.VersionID = uuid.NewString()
	stored, err := s.storage.Store(ctx, storage.Request{
		Index:          s.opts.Index,
		DocID:          in.DocID,
		Chunks:         texts,
		Embeddings:     emb.Embeddings,
		SecurityTags:   rbac.DocumentTags(classification, in.AllowedRoles, in.Tenant),
		VersionID:      res.VersionID,
		Timestamp:      time.Now().UTC(),
		Source:         source,
		Classification: string(classification),
		Tenant:         strings.TrimSpace(in.Tenant),
	})
	if err != nil {
		return fail(StatusStoring, err)
	}
	res.Batches = stored.Batches
	if !stored.Success {
		msgs := make([]string, len(stored.Errors))
		for i, e := range stored.Errors {
			msgs[i] = fmt.Sprintf("batch %d: %s", e.Batch, e.Error)
		}
		return fail(StatusStoring, fmt.Errorf("%d of %d storage batches failed: %s",
			len(stored.Errors), stored.Batches, strings.Join(msgs, "; ")))
	}

	res.Status = StatusCompleted
	res.Chunks = len(chunks)
	res.ProcessingTime = time.Since(start)
	span.SetAttributes(attribute.Int("chunks", res.Chunks), attribute.Int("batches", res.Batches))
	documentsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	logger.Info(ctx, "document indexed",
		zap.Int("chunks", res.Chunks),
		zap.Int("batches", res.Batches),
		zap.String("version_id", res.VersionID),
		zap.Duration("elapsed", res.ProcessingTime))
	s.publish(ctx, in.Tenant, "completed", res)
	return res
}

// ProcessDocuments indexes inputs strictly in order. progress, when non-nil,
// is called after every document.
func (s *Service) ProcessDocuments(ctx context.Context, inputs []DocumentInput, progress ProgressFunc) *BatchResult {
	start := time.Now()
	out := &BatchResult{Total: len(inputs), Results: make([]DocumentResult, 0, len(inputs))}

	s.logger.Info(ctx, "batch indexing started", zap.Int("documents", len(inputs)))

	for i, in := range inputs {
		var r DocumentResult
		if err := ctx.Err(); err != nil {
			r = DocumentResult{DocID: in.DocID, Status: StatusFailed, FailedStage: StatusReading, Error: err.Error(), err: err}
		} else {
			r = s.ProcessDocument(ctx, in)
		}
		out.Results = append(out.Results, r)
		if r.Status == StatusCompleted {
			out.Succeeded++
		} else {
			out.Failed++
		}

		p := Progress{
			Completed: i + 1,
			Total:     len(inputs),
			Succeeded: out.Succeeded,
			Failed:    out.Failed,
			DocID:     r.DocID,
			Status:    r.Status,
		}
		if progress != nil {
			progress(p)
		}
		if p.Completed%s.opts.ProgressEvery == 0 || p.Completed == p.Total {
			s.logger.Info(ctx, "batch indexing progress",
				zap.Int("completed", p.Completed),
				zap.Int("total", p.Total),
				zap.Int("failed", p.Failed))
			s.publish(ctx, in.Tenant, "progress", p)
		}
	}

	out.Duration = time.Since(start)
	s.logger.Info(ctx, "batch indexing finished",
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Duration("elapsed", out.Duration))
	return out
}

func (s *Service) publish(ctx context.Context, tenant, event string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishIndexEvent(ctx, tenant, event, data); err != nil {
		s.logger.Debug(ctx, "index event dropped", zap.String("event", event), zap.Error(err))
	}
}
