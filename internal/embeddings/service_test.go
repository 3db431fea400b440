package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	v, _ := args.Get(0).([][]float32)
	return v, args.Error(1)
}

func (m *mockProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	v, _ := args.Get(0).([]float32)
	return v, args.Error(1)
}

func (m *mockProvider) Dimension() int {
	return m.Called().Int(0)
}

func (m *mockProvider) Close() error {
	return m.Called().Error(0)
}

func vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		out[i][0] = float32(i)
	}
	return out
}

func newTestService(p Provider, batch BatchOptions) *Service {
	s := NewService(p, batch, nil)
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestService_Embed_SingleCall(t *testing.T) {
	p := new(mockProvider)
	chunks := []string{"alpha", "beta", "gamma"}
	p.On("EmbedDocuments", mock.Anything, chunks).Return(vectors(3, 4), nil).Once()
	p.On("Dimension").Return(4)

	res, err := newTestService(p, BatchOptions{}).Embed(context.Background(), chunks)
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 3)
	assert.Equal(t, chunks, res.Chunks)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 1, res.BatchesProcessed)
	assert.Equal(t, 4, res.Dimension)
	p.AssertExpectations(t)
}

func TestService_Embed_ProviderFailure(t *testing.T) {
	p := new(mockProvider)
	p.On("EmbedDocuments", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := newTestService(p, BatchOptions{}).Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestService_Embed_DimensionMismatchLogged(t *testing.T) {
	p := new(mockProvider)
	p.On("EmbedDocuments", mock.Anything, mock.Anything).Return(vectors(1, 8), nil)
	p.On("Dimension").Return(4)

	tl := logging.NewTestLogger()
	s := NewService(p, BatchOptions{}, tl.Logger)

	res, err := s.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Dimension)
	tl.AssertLogged(t, zapcore.WarnLevel, "embedding dimension mismatch")
}

func TestService_EmbedInBatches(t *testing.T) {
	p := new(mockProvider)
	chunks := make([]string, 450)
	for i := range chunks {
		chunks[i] = "chunk"
	}
	p.On("EmbedDocuments", mock.Anything, mock.MatchedBy(func(b []string) bool { return len(b) == 200 })).
		Return(vectors(200, 4), nil).Twice()
	p.On("EmbedDocuments", mock.Anything, mock.MatchedBy(func(b []string) bool { return len(b) == 50 })).
		Return(vectors(50, 4), nil).Once()
	p.On("Dimension").Return(4)

	res, err := newTestService(p, BatchOptions{}).EmbedInBatches(context.Background(), chunks, BatchOptions{})
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 450)
	assert.Equal(t, 3, res.BatchesProcessed)
	assert.Equal(t, 450, res.TotalChunks)
	assert.Equal(t, 4, res.Dimension)
	p.AssertExpectations(t)
}

func TestService_EmbedInBatches_FailureNamesBatch(t *testing.T) {
	p := new(mockProvider)
	p.On("EmbedDocuments", mock.Anything, mock.Anything).Return(vectors(2, 4), nil).Once()
	p.On("EmbedDocuments", mock.Anything, mock.Anything).Return(nil, errors.New("provider down")).Once()

	chunks := []string{"a", "b", "c", "d", "e", "f"}
	_, err := newTestService(p, BatchOptions{}).EmbedInBatches(context.Background(), chunks, BatchOptions{Size: 2})
	require.Error(t, err)

	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 3, be.Total)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "batch 2/3")
	p.AssertNumberOfCalls(t, "EmbedDocuments", 2)
}

func TestService_EmbedInBatches_DelayBetweenBatches(t *testing.T) {
	hp := NewHashProvider(8)
	s := NewService(hp, BatchOptions{}, nil)
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := s.EmbedInBatches(context.Background(), []string{"a", "b", "c", "d", "e"}, BatchOptions{Size: 2, Delay: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, slept)
}

func TestService_EmbedChunks_FallsBackToBatches(t *testing.T) {
	p := new(mockProvider)
	chunks := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	p.On("EmbedDocuments", mock.Anything, chunks).Return(nil, errors.New("payload too large")).Once()
	p.On("EmbedDocuments", mock.Anything, mock.MatchedBy(func(b []string) bool { return len(b) == 2 })).
		Return(vectors(2, 4), nil).Times(4)
	p.On("Dimension").Return(4)

	s := newTestService(p, BatchOptions{Size: 8})
	res, err := s.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)

	assert.Len(t, res.Embeddings, 8)
	assert.Equal(t, 4, res.BatchesProcessed)
	p.AssertExpectations(t)
}

func TestService_EmbedChunks_InvalidInputNoFallback(t *testing.T) {
	p := new(mockProvider)

	_, err := newTestService(p, BatchOptions{}).EmbedChunks(context.Background(), []string{"ok", "  "})
	assert.ErrorIs(t, err, ErrInvalidChunks)
	p.AssertNotCalled(t, "EmbedDocuments", mock.Anything, mock.Anything)
}

func TestValidateChunks(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		wantErr bool
	}{
		{"nil", nil, true},
		{"empty", []string{}, true},
		{"blank chunk", []string{"a", ""}, true},
		{"whitespace chunk", []string{"\n\t "}, true},
		{"valid", []string{"a", "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunks(tt.chunks)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChunks)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEstimateMemory(t *testing.T) {
	est := EstimateMemory([]string{"abcd", "é"}, 384)
	// 2 * 384 * 4 + (4 + 1) * 2
	assert.Equal(t, int64(3082), est.Bytes)
	assert.Empty(t, est.Recommendation)

	// Surrogate pairs count as two UTF-16 units.
	assert.Equal(t, int64(4), EstimateMemory([]string{"😀"}, 0).Bytes)

	big := make([]string, 200_000)
	for i := range big {
		big[i] = "x"
	}
	warn := EstimateMemory(big, 1024)
	assert.Greater(t, warn.MB, 500.0)
	assert.Less(t, warn.MB, 1000.0)
	assert.Contains(t, warn.Recommendation, "reducing batch size")

	critical := EstimateMemory(big, 2048)
	assert.Greater(t, critical.MB, 1000.0)
	assert.Contains(t, critical.Recommendation, "split the document")
}

func TestHashProvider_SimilarTextScoresHigher(t *testing.T) {
	p := NewHashProvider(128)
	ctx := context.Background()

	docs, err := p.EmbedDocuments(ctx, []string{
		"employee salary review process",
		"kubernetes deployment rollout",
	})
	require.NoError(t, err)
	q, err := p.EmbedQuery(ctx, "salary review")
	require.NoError(t, err)

	assert.Greater(t, dot(q, docs[0]), dot(q, docs[1]))
	assert.InDelta(t, 1.0, dot(docs[0], docs[0]), 1e-5)
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(0)
	a, _ := p.EmbedQuery(context.Background(), strings.Repeat("same words ", 3))
	b, _ := p.EmbedQuery(context.Background(), strings.Repeat("same words ", 3))
	assert.Equal(t, a, b)
	assert.Len(t, a, 256)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
