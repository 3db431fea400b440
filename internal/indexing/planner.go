package indexing

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/embeddings"
)

// Rough per-unit costs used for duration estimates.
const (
	estEmbedPerChunk  = 5 * time.Millisecond
	estStorePerVector = time.Millisecond
	estBatchOverhead  = 100 * time.Millisecond

	manyChunksThreshold = 10_000
)

// Plan samples up to PlanSampleSize documents and extrapolates chunk, batch,
// time and memory costs for the whole set. It reads files but never embeds
// or writes.
func (s *Service) Plan(ctx context.Context, inputs []DocumentInput) (*Plan, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no documents to plan", ErrInvalidInput)
	}

	plan := &Plan{Documents: len(inputs)}
	sample := inputs[:min(len(inputs), s.opts.PlanSampleSize)]

	var (
		sampledChunks []string
		totalTokens   int
		largest       int
	)
	for _, in := range sample {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := s.read(in.FilePath)
		if err != nil {
			plan.Unreadable++
			s.logger.Debug(ctx, "plan sample unreadable", zap.String("doc_id", in.DocID), zap.Error(err))
			continue
		}
		chunks, err := s.chunker.Chunk(ctx, text, s.chunkOptions(in, len([]rune(text))))
		if err != nil {
			plan.Unreadable++
			continue
		}
		plan.Sampled++
		largest = max(largest, len(chunks))
		stats := s.chunker.Stats(chunks)
		totalTokens += stats.Tokens
		for _, c := range chunks {
			sampledChunks = append(sampledChunks, c.Text)
		}
	}

	if plan.Sampled == 0 {
		plan.Recommendations = append(plan.Recommendations,
			"none of the sampled documents could be read; check file paths before indexing")
		return plan, nil
	}

	plan.AvgChunksPerDoc = float64(len(sampledChunks)) / float64(plan.Sampled)
	if len(sampledChunks) > 0 {
		plan.AvgTokensPerChunk = totalTokens / len(sampledChunks)
	}
	plan.EstimatedChunks = int(math.Ceil(plan.AvgChunksPerDoc * float64(plan.Documents)))

	perDoc := int(math.Ceil(plan.AvgChunksPerDoc))
	embedBatches := ceilDiv(perDoc, s.opts.EmbeddingBatchSize)
	storeBatches := 1
	if perDoc > s.opts.SingleShotLimit {
		storeBatches = ceilDiv(perDoc, s.opts.StorageBatchSize)
	}
	plan.EmbeddingBatches = embedBatches * plan.Documents
	plan.StorageBatches = storeBatches * plan.Documents
	plan.EstimatedDuration = time.Duration(plan.EstimatedChunks)*(estEmbedPerChunk+estStorePerVector) +
		time.Duration(plan.EmbeddingBatches+plan.StorageBatches)*estBatchOverhead

	// Memory is per document: documents are processed one at a time.
	scale := plan.AvgChunksPerDoc / float64(len(sampledChunks))
	mem := embeddings.EstimateMemory(sampledChunks, s.embedder.Dimension())
	plan.EstimatedMemoryMB = mem.MB * scale * math.Max(1, float64(largest)/plan.AvgChunksPerDoc)
	perDocMem := embeddings.MemoryEstimate{MB: plan.EstimatedMemoryMB}
	if rec := recommendationFor(perDocMem, mem); rec != "" {
		plan.Recommendations = append(plan.Recommendations, rec)
	}

	if largest > s.opts.LargeDocumentChunks {
		plan.Recommendations = append(plan.Recommendations, fmt.Sprintf(
			"at least one document produces %d chunks; split large documents or raise the chunk size", largest))
	}
	if plan.EstimatedChunks > manyChunksThreshold {
		plan.Recommendations = append(plan.Recommendations, fmt.Sprintf(
			"about %d chunks in total; index in several runs and reduce batch size if the store throttles", plan.EstimatedChunks))
	}
	if plan.Unreadable > 0 {
		plan.Recommendations = append(plan.Recommendations, fmt.Sprintf(
			"%d of %d sampled documents could not be read", plan.Unreadable, len(sample)))
	}
	if len(plan.Recommendations) == 0 {
		plan.Recommendations = append(plan.Recommendations, "current settings look fine for this document set")
	}

	s.logger.Info(ctx, "indexing plan computed",
		zap.Int("documents", plan.Documents),
		zap.Int("sampled", plan.Sampled),
		zap.Int("estimated_chunks", plan.EstimatedChunks),
		zap.Float64("estimated_memory_mb", plan.EstimatedMemoryMB))
	return plan, nil
}

// recommendationFor re-evaluates the memory thresholds for the scaled
// per-document estimate, falling back to the sample's own recommendation.
func recommendationFor(perDoc, sample embeddings.MemoryEstimate) string {
	switch {
	case perDoc.MB > embeddings.CriticalMemoryMB:
		return fmt.Sprintf("estimated %.0fMB per document: split documents or reduce batch size before indexing", perDoc.MB)
	case perDoc.MB > embeddings.WarnMemoryMB:
		return fmt.Sprintf("estimated %.0fMB per document: consider reducing batch size", perDoc.MB)
	}
	return sample.Recommendation
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
