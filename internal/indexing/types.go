package indexing

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the document file does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrEmptyDocument is returned when a document is blank after trimming.
	ErrEmptyDocument = errors.New("document is empty")

	// ErrInvalidInput is returned for a malformed DocumentInput.
	ErrInvalidInput = errors.New("invalid document input")
)

// Status is a document's position in the indexing pipeline.
type Status string

const (
	StatusReading   Status = "reading"
	StatusChunking  Status = "chunking"
	StatusEmbedding Status = "embedding"
	StatusStoring   Status = "storing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DocumentInput describes one document to index.
type DocumentInput struct {
	FilePath       string   `json:"filePath"`
	DocID          string   `json:"docId"`
	Classification string   `json:"classification"`
	AllowedRoles   []string `json:"allowedRoles"`
	Tenant         string   `json:"tenant,omitempty"`

	// Source labels the document in query results. Defaults to the file
	// name.
	Source string `json:"source,omitempty"`

	// ChunkSize overrides the chunk size (tokens, or characters for the
	// character strategy). Zero derives it from the document length.
	ChunkSize int `json:"chunkSize,omitempty"`
}

// DocumentResult is the outcome for one document.
type DocumentResult struct {
	DocID          string        `json:"docId"`
	Status         Status        `json:"status"`
	Chunks         int           `json:"chunks,omitempty"`
	Batches        int           `json:"batches,omitempty"`
	VersionID      string        `json:"versionId,omitempty"`
	ProcessingTime time.Duration `json:"processingTime"`
	Warnings       []string      `json:"warnings,omitempty"`

	// FailedStage and Error are set when Status is failed.
	FailedStage Status `json:"failedStage,omitempty"`
	Error       string `json:"error,omitempty"`

	err error
}

// Err returns the underlying error of a failed document.
func (r DocumentResult) Err() error { return r.err }

// Progress is reported after every document of a batch.
type Progress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	DocID     string `json:"docId"`
	Status    Status `json:"status"`
}

// ProgressFunc receives batch progress. It is called synchronously.
type ProgressFunc func(Progress)

// BatchResult aggregates a multi-document run.
type BatchResult struct {
	Results   []DocumentResult `json:"results"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Duration  time.Duration    `json:"duration"`
}

// Plan is a dry-run estimate for a set of documents.
type Plan struct {
	Documents         int           `json:"documents"`
	Sampled           int           `json:"sampled"`
	Unreadable        int           `json:"unreadable"`
	AvgChunksPerDoc   float64       `json:"avgChunksPerDoc"`
	AvgTokensPerChunk int           `json:"avgTokensPerChunk"`
	EstimatedChunks   int           `json:"estimatedChunks"`
	EmbeddingBatches  int           `json:"embeddingBatches"`
	StorageBatches    int           `json:"storageBatches"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	EstimatedMemoryMB float64       `json:"estimatedMemoryMB"`
	Recommendations   []string      `json:"recommendations"`
}
