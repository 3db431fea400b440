package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/logging"
)

const backendChromem = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the
	// database in memory.
	Path string

	// Compress enables gzip compression for persisted data.
	Compress bool
}

// ChromemStore implements Store using chromem-go.
//
// chromem has no native OR filter, so Query scores the whole collection and
// applies the security filter in process before truncating to topK.
type ChromemStore struct {
	db     *chromem.DB
	logger *logging.Logger

	// dimensions caches index name -> vector size.
	dimensions sync.Map
}

// NewChromemStore opens (or creates) a chromem database.
func NewChromemStore(cfg ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named(backendChromem)

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = openResilientChromemDB(path, cfg.Compress, logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	logger.Info(context.Background(), "chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Bool("compress", cfg.Compress))

	return &ChromemStore{db: db, logger: logger}, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Backend implements Store.
func (s *ChromemStore) Backend() string { return backendChromem }

// noEmbedding guards against chromem computing embeddings itself; every
// record arrives with a vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

// CreateIndex implements Store.
func (s *ChromemStore) CreateIndex(ctx context.Context, name string, dimension int) (err error) {
	_, finish := observe(ctx, backendChromem, "create_index", attribute.String("index", name))
	defer func() { finish(err) }()

	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if existing, ok := s.dimensions.Load(name); ok && existing.(int) != dimension {
		return fmt.Errorf("%w: index %s has dimension %d, requested %d", ErrDimensionMismatch, name, existing, dimension)
	}

	c, err := s.db.GetOrCreateCollection(name, map[string]string{"dimension": strconv.Itoa(dimension)}, noEmbedding)
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	sample := make([]float32, dimension)
	for i := range sample {
		sample[i] = 1
	}
	if _, err := s.dimension(ctx, c, sample); err != nil {
		return err
	}
	s.dimensions.Store(c.Name, dimension)
	return nil
}

// dimension returns the vector size of c, or 0 while it is empty. A reopened
// database starts with an empty cache and chromem keeps collection metadata
// private, so the size is learned from a stored vector using sample.
func (s *ChromemStore) dimension(ctx context.Context, c *chromem.Collection, sample []float32) (int, error) {
	if d, ok := s.dimensions.Load(c.Name); ok {
		return d.(int), nil
	}
	if c.Count() == 0 {
		return 0, nil
	}
	res, err := c.QueryEmbedding(ctx, sample, 1, nil, nil)
	switch {
	case err != nil && ctx.Err() != nil:
		return 0, ctx.Err()
	case err != nil && c.Count() == 0:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("%w: index %s does not hold %d-dimension vectors", ErrDimensionMismatch, c.Name, len(sample))
	case len(res) == 0:
		return 0, nil
	}
	d := len(res[0].Embedding)
	s.dimensions.Store(c.Name, d)
	return d, nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	if err := ValidateIndexName(name); err != nil {
		return nil, err
	}
	c := s.db.GetCollection(name, noEmbedding)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return c, nil
}

// Upsert implements Store. Records with an existing id are replaced.
func (s *ChromemStore) Upsert(ctx context.Context, index string, records []Record) (ids []string, err error) {
	ctx, finish := observe(ctx, backendChromem, "upsert",
		attribute.String("index", index), attribute.Int("records", len(records)))
	defer func() { finish(err) }()

	c, err := s.collection(index)
	if err != nil {
		return nil, err
	}
	if err := validateRecords(records, 0); err != nil {
		return nil, err
	}
	d, err := s.dimension(ctx, c, records[0].Vector)
	if err != nil {
		return nil, err
	}
	if err := validateRecords(records, d); err != nil {
		return nil, err
	}

	docs := make([]chromem.Document, len(records))
	ids = make([]string, len(records))
	for i, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id

		meta := r.Metadata.toStringMap()
		delete(meta, fieldText)
		docs[i] = chromem.Document{
			ID:        id,
			Metadata:  meta,
			Embedding: r.Vector,
			Content:   r.Metadata.Text,
		}
	}

	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("adding documents to %s: %w", index, err)
	}
	RecordsWritten.WithLabelValues(backendChromem).Add(float64(len(docs)))
	return ids, nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, index string, req QueryRequest) (results []Result, err error) {
	ctx, finish := observe(ctx, backendChromem, "query",
		attribute.String("index", index), attribute.Int("top_k", req.TopK))
	defer func() { finish(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, err := s.collection(index)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	n := c.Count()
	if n == 0 {
		return []Result{}, nil
	}
	if len(req.Filter.Clauses) == 0 && req.TopK < n {
		n = req.TopK
	}

	hits, err := c.QueryEmbedding(ctx, req.Vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", index, err)
	}

	results = make([]Result, 0, min(req.TopK, len(hits)))
	for _, h := range hits {
		meta := metadataFromStringMap(h.Metadata)
		meta.Text = h.Content
		if !req.Filter.Matches(meta.SecurityTags) {
			continue
		}
		r := Result{ID: h.ID, Score: h.Similarity, Metadata: meta}
		if req.IncludeVector {
			r.Vector = h.Embedding
		}
		results = append(results, r)
		if len(results) == req.TopK {
			break
		}
	}

	s.logger.Debug(ctx, "queried chromem collection",
		zap.String("index", index),
		zap.Int("scanned", len(hits)),
		zap.Int("results", len(results)),
		zap.Stringer("filter", req.Filter))
	return results, nil
}

// DeleteByDocID implements Store.
func (s *ChromemStore) DeleteByDocID(ctx context.Context, index, docID string) (err error) {
	ctx, finish := observe(ctx, backendChromem, "delete_by_doc_id", attribute.String("index", index))
	defer func() { finish(err) }()

	if docID == "" {
		return errors.New("doc id cannot be empty")
	}
	c, err := s.collection(index)
	if err != nil {
		if errors.Is(err, ErrIndexNotFound) {
			return nil
		}
		return err
	}
	if err := c.Delete(ctx, map[string]string{fieldDocID: docID}, nil); err != nil {
		return fmt.Errorf("deleting doc %s from %s: %w", docID, index, err)
	}
	return nil
}

// Close is a no-op; persistent chromem writes through on every change.
func (s *ChromemStore) Close() error {
	return nil
}
