package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrIndexNotFound is returned when querying an index that does not exist.
	ErrIndexNotFound = errors.New("index not found")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidIndexName indicates index name validation failure.
	ErrInvalidIndexName = errors.New("invalid index name")

	// ErrEmptyRecords indicates an upsert with nothing to write.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrDimensionMismatch is returned when a vector does not match the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidFilter is returned for a filter clause that can never match.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrDeleteUnsupported is returned by backends that cannot delete by
	// document id. Callers fall back to accumulating vectors.
	ErrDeleteUnsupported = errors.New("delete by document id not supported")
)

// Store is the vector store capability.
type Store interface {
	// Backend names the implementation ("chromem", "qdrant", ...).
	Backend() string

	// CreateIndex creates the index if it does not exist. Creating an
	// existing index with the same dimension is a no-op.
	CreateIndex(ctx context.Context, name string, dimension int) error

	// Upsert writes records and returns their ids in input order. It makes a
	// single attempt; retrying is the caller's decision.
	Upsert(ctx context.Context, index string, records []Record) ([]string, error)

	// Query returns up to req.TopK results matching req.Filter, ordered by
	// descending score.
	Query(ctx context.Context, index string, req QueryRequest) ([]Result, error)

	// DeleteByDocID removes every record whose metadata doc id equals docID.
	DeleteByDocID(ctx context.Context, index, docID string) error

	// Close releases connections held by the store.
	Close() error
}

// HealthChecker is implemented by backends with a remote dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Metadata is persisted alongside every vector.
type Metadata struct {
	Text           string    `json:"text"`
	DocID          string    `json:"docId"`
	ChunkIndex     int       `json:"chunkIndex"`
	SecurityTags   []string  `json:"securityTags"`
	VersionID      string    `json:"versionId"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Tenant         string    `json:"tenant,omitempty"`
}

// Record is one vector to store.
type Record struct {
	// ID is a UUID. Backends generate one when empty.
	ID       string
	Vector   []float32
	Metadata Metadata
}

// QueryRequest is a similarity query.
type QueryRequest struct {
	Vector        []float32
	TopK          int
	Filter        Filter
	IncludeVector bool
}

// Validate checks the request before any I/O.
func (r QueryRequest) Validate() error {
	if len(r.Vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", ErrDimensionMismatch)
	}
	if r.TopK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", r.TopK)
	}
	return r.Filter.Validate()
}

// Result is the canonical query hit.
type Result struct {
	ID       string
	Score    float32
	Metadata Metadata
	Vector   []float32
}

var indexNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateIndexName requires lower-case letters, digits and underscores,
// starting with a letter. The same name is legal in every backend.
func ValidateIndexName(name string) error {
	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match %s, got %q", ErrInvalidIndexName, indexNamePattern.String(), name)
	}
	return nil
}

func validateRecords(records []Record, dimension int) error {
	if len(records) == 0 {
		return ErrEmptyRecords
	}
	for i, r := range records {
		if len(r.Vector) == 0 {
			return fmt.Errorf("%w: record %d has no vector", ErrDimensionMismatch, i)
		}
		if dimension > 0 && len(r.Vector) != dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(r.Vector), dimension)
		}
	}
	return nil
}
