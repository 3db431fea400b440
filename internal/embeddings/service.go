package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

const (
	// DefaultBatchSize is the manual-batch size.
	DefaultBatchSize = 200
	// DefaultBatchDelay separates manual batches.
	DefaultBatchDelay = 100 * time.Millisecond

	// WarnMemoryMB and CriticalMemoryMB are the EstimateMemory thresholds.
	WarnMemoryMB     = 500
	CriticalMemoryMB = 1000
)

// ErrInvalidChunks is returned by ValidateChunks.
var ErrInvalidChunks = errors.New("invalid chunks")

// BatchError identifies the manual batch that failed.
type BatchError struct {
	// Index is zero-based.
	Index int
	Total int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding batch %d/%d failed: %v", e.Index+1, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Result is the output of an embedding run.
type Result struct {
	Embeddings       [][]float32
	Chunks           []string
	TotalChunks      int
	BatchesProcessed int
	Dimension        int
}

// BatchOptions controls the manual batch path.
type BatchOptions struct {
	Size  int
	Delay time.Duration
}

// MemoryEstimate sizes an embedding run.
type MemoryEstimate struct {
	Bytes          int64
	MB             float64
	Recommendation string
}

// Service produces embeddings for document chunks.
type Service struct {
	provider Provider
	batch    BatchOptions
	logger   *logging.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewService creates an embedding service over provider.
// A zero batch size uses DefaultBatchSize; a negative delay uses
// DefaultBatchDelay and zero disables it.
func NewService(provider Provider, batch BatchOptions, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if batch.Size <= 0 {
		batch.Size = DefaultBatchSize
	}
	if batch.Delay < 0 {
		batch.Delay = DefaultBatchDelay
	}
	return &Service{
		provider: provider,
		batch:    batch,
		logger:   logger.Named("embeddings"),
		sleep:    sleepCtx,
	}
}

// Provider returns the underlying provider.
func (s *Service) Provider() Provider {
	return s.provider
}

// Dimension returns the provider's configured dimension.
func (s *Service) Dimension() int {
	return s.provider.Dimension()
}

// Embed sends all chunks to the provider in one call.
func (s *Service) Embed(ctx context.Context, chunks []string) (*Result, error) {
	if err := ValidateChunks(chunks); err != nil {
		return nil, err
	}

	vectors, err := s.provider.EmbedDocuments(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: provider returned no vectors", ErrEmbeddingFailed)
	}

	res := &Result{
		Embeddings:       vectors,
		Chunks:           chunks,
		TotalChunks:      len(chunks),
		BatchesProcessed: 1,
		Dimension:        len(vectors[0]),
	}
	s.checkDimension(ctx, res.Dimension)
	return res, nil
}

// EmbedInBatches embeds chunks in fixed-size batches, sequentially, with a
// delay between batches. The first failing batch aborts the run.
func (s *Service) EmbedInBatches(ctx context.Context, chunks []string, opts BatchOptions) (*Result, error) {
	if err := ValidateChunks(chunks); err != nil {
		return nil, err
	}
	if opts.Size <= 0 {
		opts.Size = s.batch.Size
	}
	if opts.Delay <= 0 {
		opts.Delay = s.batch.Delay
	}

	total := (len(chunks) + opts.Size - 1) / opts.Size
	res := &Result{
		Embeddings:  make([][]float32, 0, len(chunks)),
		Chunks:      chunks,
		TotalChunks: len(chunks),
	}

	for i := 0; i < total; i++ {
		start := i * opts.Size
		end := min(start+opts.Size, len(chunks))

		vectors, err := s.provider.EmbedDocuments(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, &BatchError{Index: i, Total: total, Err: err})
		}
		res.Embeddings = append(res.Embeddings, vectors...)
		res.BatchesProcessed++

		s.logger.Debug(ctx, "embedded batch",
			zap.Int("batch", i+1),
			zap.Int("total_batches", total),
			zap.Int("chunks", end-start))

		if i < total-1 && opts.Delay > 0 {
			if err := s.sleep(ctx, opts.Delay); err != nil {
				return nil, err
			}
		}
	}

	if len(res.Embeddings) > 0 {
		res.Dimension = len(res.Embeddings[0])
		s.checkDimension(ctx, res.Dimension)
	}
	return res, nil
}

// EmbedChunks uses the primary path when chunks fit in one batch, the
// manual batch path otherwise, and falls back to manual batches when the
// primary call fails.
func (s *Service) EmbedChunks(ctx context.Context, chunks []string) (*Result, error) {
	if len(chunks) > s.batch.Size {
		return s.EmbedInBatches(ctx, chunks, s.batch)
	}

	res, err := s.Embed(ctx, chunks)
	if err == nil || errors.Is(err, ErrInvalidChunks) {
		return res, err
	}
	s.logger.Warn(ctx, "single-call embedding failed, falling back to manual batches", zap.Error(err))
	return s.EmbedInBatches(ctx, chunks, BatchOptions{Size: max(1, s.batch.Size/4), Delay: s.batch.Delay})
}

// EmbedQuery embeds a search query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := s.provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	s.checkDimension(ctx, len(vector))
	return vector, nil
}

func (s *Service) checkDimension(ctx context.Context, got int) {
	want := s.provider.Dimension()
	if want > 0 && got != want {
		s.logger.Warn(ctx, "embedding dimension mismatch",
			zap.Int("configured", want),
			zap.Int("returned", got))
	}
}

// ValidateChunks rejects an empty slice and empty or whitespace-only chunks.
func ValidateChunks(chunks []string) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks provided", ErrInvalidChunks)
	}
	for i, c := range chunks {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidChunks, i)
		}
	}
	return nil
}

// EstimateMemory estimates the in-memory size of embedding chunks at the
// given dimension: one float32 per dimension plus the UTF-16 text.
func EstimateMemory(chunks []string, dimension int) MemoryEstimate {
	var textBytes int64
	for _, c := range chunks {
		textBytes += int64(len(utf16.Encode([]rune(c)))) * 2
	}
	total := int64(len(chunks))*int64(dimension)*4 + textBytes
	mb := float64(total) / (1024 * 1024)

	est := MemoryEstimate{Bytes: total, MB: mb}
	switch {
	case mb > CriticalMemoryMB:
		est.Recommendation = fmt.Sprintf("estimated %.0fMB: split the document or reduce batch size before indexing", mb)
	case mb > WarnMemoryMB:
		est.Recommendation = fmt.Sprintf("estimated %.0fMB: consider reducing batch size", mb)
	}
	return est
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
