// Package chunking splits document text into retrievable pieces.
//
// Two strategies are available. The token strategy approximates one token as
// four characters and packs whole words greedily; it never splits a word.
// The character strategy emits fixed-size windows with optional overlap.
package chunking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

// CharsPerToken is the approximation used by the token strategy.
const CharsPerToken = 4

var (
	// ErrInvalidSize is returned for a non-positive chunk size.
	ErrInvalidSize = errors.New("chunk size must be positive")

	// ErrInvalidOverlap is returned when overlap is outside [0, size).
	ErrInvalidOverlap = errors.New("overlap must be >= 0 and < chunk size")
)

// Strategy selects how text is split.
type Strategy string

const (
	TokenStrategy     Strategy = "token"
	CharacterStrategy Strategy = "character"
)

// Options controls a single chunking call.
// MaxSize is tokens for TokenStrategy and characters for CharacterStrategy.
type Options struct {
	Strategy Strategy
	MaxSize  int
	Overlap  int
}

// Chunk is one piece of a document.
type Chunk struct {
	Index int
	Text  string
}

// Stats summarises a chunking result.
type Stats struct {
	Chunks    int
	AvgChars  int
	MaxChars  int
	Tokens    int
	AvgTokens int
}

// Service splits text and reports statistics.
type Service struct {
	counter TokenCounter
	logger  *logging.Logger
}

// NewService creates a chunking service. A nil counter uses ApproxCounter.
func NewService(counter TokenCounter, logger *logging.Logger) *Service {
	if counter == nil {
		counter = ApproxCounter{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{counter: counter, logger: logger.Named("chunking")}
}

// Chunk splits text according to opts.
func (s *Service) Chunk(ctx context.Context, text string, opts Options) ([]Chunk, error) {
	var (
		pieces []string
		err    error
	)
	switch opts.Strategy {
	case TokenStrategy, "":
		pieces, err = ByTokens(text, opts.MaxSize)
	case CharacterStrategy:
		pieces, err = ByCharacters(text, opts.MaxSize, opts.Overlap)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", opts.Strategy)
	}
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Index: i, Text: p}
	}

	s.logger.Debug(ctx, "text chunked",
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("max_size", opts.MaxSize),
		zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// Stats computes size statistics for chunks.
func (s *Service) Stats(chunks []Chunk) Stats {
	st := Stats{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return st
	}
	total := 0
	for _, c := range chunks {
		n := len([]rune(c.Text))
		total += n
		if n > st.MaxChars {
			st.MaxChars = n
		}
		st.Tokens += s.counter.Count(c.Text)
	}
	st.AvgChars = total / len(chunks)
	st.AvgTokens = st.Tokens / len(chunks)
	return st
}

// ByTokens packs whitespace-delimited words into chunks of at most
// maxTokens*CharsPerToken characters. A word longer than the budget becomes
// its own chunk.
func ByTokens(text string, maxTokens int) ([]string, error) {
	if maxTokens <= 0 {
		return nil, ErrInvalidSize
	}
	budget := maxTokens * CharsPerToken

	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	for _, word := range strings.Fields(text) {
		wlen := len([]rune(word))
		if size > 0 && size+1+wlen > budget {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(word)
		size += wlen
	}
	if size > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks, nil
}

// ByCharacters emits windows of maxSize characters, each starting
// maxSize-overlap characters after the previous one.
func ByCharacters(text string, maxSize, overlap int) ([]string, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, fmt.Errorf("%w: overlap=%d size=%d", ErrInvalidOverlap, overlap, maxSize)
	}

	runes := []rune(text)
	step := maxSize - overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + maxSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// GetOptimalChunkSize recommends a token chunk size for a text of the given
// length in characters. Short texts get small chunks so they still split into
// several retrievable pieces.
func GetOptimalChunkSize(textLength int) int {
	switch {
	case textLength < 2_000:
		return 128
	case textLength < 10_000:
		return 512
	case textLength < 50_000:
		return 1024
	case textLength < 200_000:
		return 4096
	default:
		return 12_384
	}
}
