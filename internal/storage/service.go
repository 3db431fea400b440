// Package storage writes embedded chunks to the vector store, choosing a
// single upsert for small documents and retried batches for large ones.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/retry"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

// ErrValidation is returned when a request is rejected before any I/O.
var ErrValidation = errors.New("storage validation failed")

const (
	StrategySingleShot = "single-shot"
	StrategyBatched    = "batched"
)

var batchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "securerag",
		Subsystem: "storage",
		Name:      "batches_total",
		Help:      "Vector storage batches by outcome",
	},
	[]string{"strategy", "result"},
)

// Request is one document's worth of vectors.
type Request struct {
	Index          string
	DocID          string
	Chunks         []string
	Embeddings     [][]float32
	SecurityTags   []string
	VersionID      string
	Timestamp      time.Time
	Source         string
	Classification string
	Tenant         string
}

// BatchFailure describes a batch that failed after all attempts.
type BatchFailure struct {
	Batch    int    `json:"batch"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Result reports the outcome of Store. Success is true only when no batch
// failed.
type Result struct {
	Success  bool           `json:"success"`
	Strategy string         `json:"strategy"`
	Batches  int            `json:"batches"`
	Stored   int            `json:"stored"`
	IDs      []string       `json:"ids,omitempty"`
	Errors   []BatchFailure `json:"errors,omitempty"`
}

// Options tunes the service.
type Options struct {
	// SingleShotLimit is the largest request written with one upsert.
	SingleShotLimit int
	BatchSize       int
	BatchDelay      time.Duration

	// Retry applies to each batch of the batched path.
	Retry retry.Policy
}

// OptionsFromSettings builds Options from configuration.
func OptionsFromSettings(c config.StorageConfig) Options {
	return Options{
		SingleShotLimit: c.SingleShotLimit,
		BatchSize:       c.BatchSize,
		BatchDelay:      c.BatchDelay.Duration(),
		Retry:           retry.FromSettings(c.Retry),
	}
}

// Service is the vector storage service.
type Service struct {
	store  vectorstore.Store
	opts   Options
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService creates a storage service over store.
func NewService(store vectorstore.Store, opts Options, logger *logging.Logger) *Service {
	if opts.SingleShotLimit <= 0 {
		opts.SingleShotLimit = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Policy{MaxAttempts: 3, Kind: retry.Fixed, Delay: time.Second}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:  store,
		opts:   opts,
		logger: logger.Named("storage"),
		sleep:  sleepCtx,
	}
}

// VectorStore returns the underlying vector store.
func (s *Service) VectorStore() vectorstore.Store {
	return s.store
}

// Validate checks a request without touching the store.
func Validate(req Request) error {
	var problems []string
	if strings.TrimSpace(req.Index) == "" {
		problems = append(problems, "index name is empty")
	}
	if strings.TrimSpace(req.DocID) == "" {
		problems = append(problems, "document id is empty")
	}
	if strings.TrimSpace(req.VersionID) == "" {
		problems = append(problems, "version id is empty")
	}
	if len(req.Chunks) == 0 {
		problems = append(problems, "chunks are empty")
	}
	if len(req.Embeddings) == 0 {
		problems = append(problems, "embeddings are empty")
	}
	if len(req.SecurityTags) == 0 {
		problems = append(problems, "security tags are empty")
	}
	if len(req.Chunks) != len(req.Embeddings) {
		problems = append(problems, fmt.Sprintf("%d chunks but %d embeddings", len(req.Chunks), len(req.Embeddings)))
	}
	for i, e := range req.Embeddings {
		if len(e) == 0 {
			problems = append(problems, fmt.Sprintf("embedding %d is empty", i))
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Records builds one record per chunk. Every record carries the full tag
// set of the document.
func Records(req Request) []vectorstore.Record {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	records := make([]vectorstore.Record, len(req.Chunks))
	for i, text := range req.Chunks {
		tags := make([]string, len(req.SecurityTags))
		copy(tags, req.SecurityTags)
		records[i] = vectorstore.Record{
			ID:     uuid.NewString(),
			Vector: req.Embeddings[i],
			Metadata: vectorstore.Metadata{
				Text:           text,
				DocID:          req.DocID,
				ChunkIndex:     i,
				SecurityTags:   tags,
				VersionID:      req.VersionID,
				Timestamp:      ts,
				Source:         req.Source,
				Classification: req.Classification,
				Tenant:         req.Tenant,
			},
		}
	}
	return records
}

// Store writes the request. Only validation failures are returned as errors;
// store failures are reported in the Result.
func (s *Service) Store(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	records := Records(req)
	if len(records) <= s.opts.SingleShotLimit {
		return s.storeSingle(ctx, req, records), nil
	}
	return s.storeBatched(ctx, req, records), nil
}

func (s *Service) storeSingle(ctx context.Context, req Request, records []vectorstore.Record) *Result {
	res := &Result{Strategy: StrategySingleShot, Batches: 1}
	ids, err := s.store.Upsert(ctx, req.Index, records)
	if err != nil {
		batchesTotal.WithLabelValues(StrategySingleShot, "error").Inc()
		s.logger.Error(ctx, "single-shot store failed",
			zap.String("doc_id", req.DocID),
			zap.Int("vectors", len(records)),
			zap.Error(err))
		res.Errors = []BatchFailure{{Batch: 1, Attempts: 1, Error: err.Error()}}
		return res
	}
	batchesTotal.WithLabelValues(StrategySingleShot, "success").Inc()
	res.Success = true
	res.Stored = len(ids)
	res.IDs = ids
	return res
}

func (s *Service) storeBatched(ctx context.Context, req Request, records []vectorstore.Record) *Result {
	size := s.opts.BatchSize
	total := (len(records) + size - 1) / size
	res := &Result{Strategy: StrategyBatched, Batches: total}

	s.logger.Info(ctx, "storing vectors in batches",
		zap.String("doc_id", req.DocID),
		zap.Int("vectors", len(records)),
		zap.Int("batches", total),
		zap.Int("batch_size", size))

	for b := 0; b < total; b++ {
		if b > 0 && s.opts.BatchDelay > 0 {
			if err := s.sleep(ctx, s.opts.BatchDelay); err != nil {
				res.Errors = append(res.Errors, BatchFailure{Batch: b + 1, Error: err.Error()})
				break
			}
		}

		start := b * size
		end := min(start+size, len(records))
		batch := records[start:end]

		policy := s.opts.Retry
		batchNum := b + 1
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			s.logger.Warn(ctx, "storage batch failed, retrying",
				zap.Int("batch", batchNum),
				zap.Int("of", total),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		ids, err := retry.DoValue(ctx, policy, func(ctx context.Context) ([]string, error) {
			return s.store.Upsert(ctx, req.Index, batch)
		})
		if err != nil {
			attempts := policy.MaxAttempts
			var exhausted *retry.ExhaustedError
			if errors.As(err, &exhausted) {
				attempts = exhausted.Attempts
			}
			batchesTotal.WithLabelValues(StrategyBatched, "error").Inc()
			s.logger.Error(ctx, "storage batch failed",
				zap.Int("batch", batchNum),
				zap.Int("of", total),
				zap.Int("attempts", attempts),
				zap.Error(err))
			res.Errors = append(res.Errors, BatchFailure{Batch: batchNum, Attempts: attempts, Error: err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}

		batchesTotal.WithLabelValues(StrategyBatched, "success").Inc()
		res.Stored += len(ids)
		res.IDs = append(res.IDs, ids...)
		s.logger.Debug(ctx, "storage batch stored",
			zap.Int("batch", batchNum),
			zap.Int("of", total),
			zap.Int("vectors", len(ids)))
	}

	res.Success = len(res.Errors) == 0
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
