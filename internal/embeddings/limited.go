package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/retry"
)

const (
	defaultRetryDelay    = 250 * time.Millisecond
	defaultRetryMaxDelay = 5 * time.Second
)

var tracer = otel.Tracer("securerag.embeddings")

// Limited wraps a Provider with a token-bucket rate limiter, a retry policy,
// tracing and metrics. Every provider built by NewProvider is a Limited.
type Limited struct {
	inner   Provider
	model   string
	limiter *rate.Limiter
	policy  retry.Policy
	metrics *Metrics
	logger  *logging.Logger
}

// NewLimited wraps p. A non-positive rps disables rate limiting.
func NewLimited(p Provider, model string, rps float64, burst int, policy retry.Policy, logger *logging.Logger) *Limited {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}

	l := &Limited{
		inner:   p,
		model:   model,
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
		metrics: NewMetrics(logger.Underlying()),
		logger:  logger.Named("embeddings"),
	}
	l.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.logger.Warn(context.Background(), "embedding call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return l
}

// EmbedDocuments embeds texts after waiting for the rate limiter.
func (l *Limited) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "embeddings.EmbedDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("model", l.model), attribute.Int("texts", len(texts)))

	start := time.Now()
	vectors, err := retry.DoValue(ctx, l.policy, func(ctx context.Context) ([][]float32, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
		return l.inner.EmbedDocuments(ctx, texts)
	})
	l.metrics.RecordGeneration(ctx, l.model, "embed_documents", time.Since(start), len(texts), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a single query after waiting for the rate limiter.
func (l *Limited) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "embeddings.EmbedQuery")
	defer span.End()
	span.SetAttributes(attribute.String("model", l.model))

	start := time.Now()
	vector, err := retry.DoValue(ctx, l.policy, func(ctx context.Context) ([]float32, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
		return l.inner.EmbedQuery(ctx, text)
	})
	l.metrics.RecordGeneration(ctx, l.model, "embed_query", time.Since(start), 1, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vector, nil
}

// Dimension returns the wrapped provider's dimension.
func (l *Limited) Dimension() int {
	return l.inner.Dimension()
}

// Close closes the wrapped provider.
func (l *Limited) Close() error {
	return l.inner.Close()
}

// isRetryable reports whether a provider error is transient: network
// failures, timeouts, 429 and 5xx responses.
func isRetryable(err error) bool {
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, ErrEmbeddingFailed)
}
