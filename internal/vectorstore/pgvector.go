package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/retry"
)

const backendPgvector = "pgvector"

// pgUndefinedTable is the SQLSTATE for a missing relation.
const pgUndefinedTable = "42P01"

// PgvectorConfig configures the PostgreSQL backend.
type PgvectorConfig struct {
	DSN      config.Secret
	MaxConns int32
	Retry    retry.Policy
}

// PgvectorStore implements Store on PostgreSQL with the pgvector extension.
// Each index is a table; security tags live in a text[] column with a GIN
// index and each filter clause becomes an array-overlap (&&) predicate.
type PgvectorStore struct {
	pool   *pgxpool.Pool
	policy retry.Policy
	logger *logging.Logger
}

// NewPgvectorStore connects and pings the database.
func NewPgvectorStore(ctx context.Context, cfg PgvectorConfig, logger *logging.Logger) (*PgvectorStore, error) {
	if !cfg.DSN.IsSet() {
		return nil, fmt.Errorf("%w: dsn required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: parsing dsn: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 3, Kind: retry.Exponential, Delay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	}
	policy.Retryable = isTransientPgError

	return &PgvectorStore{pool: pool, policy: policy, logger: logger.Named(backendPgvector)}, nil
}

func isTransientPgError(err error) bool {
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// Backend implements Store.
func (s *PgvectorStore) Backend() string { return backendPgvector }

// Health implements HealthChecker.
func (s *PgvectorStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgTable(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// createTableSQL returns the DDL for an index table.
func createTableSQL(name string, dimension int) []string {
	t := pgTable(name)
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	doc_id TEXT NOT NULL,
	chunk_index INT NOT NULL,
	text TEXT NOT NULL,
	security_tags TEXT[] NOT NULL,
	version_id TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	tenant TEXT NOT NULL DEFAULT '',
	embedding vector(%d) NOT NULL
)`, t, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (doc_id)`, pgx.Identifier{name + "_doc_id_idx"}.Sanitize(), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (security_tags)`, pgx.Identifier{name + "_tags_idx"}.Sanitize(), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, pgx.Identifier{name + "_embedding_idx"}.Sanitize(), t),
	}
}

// CreateIndex implements Store.
func (s *PgvectorStore) CreateIndex(ctx context.Context, name string, dimension int) (err error) {
	ctx, finish := observe(ctx, backendPgvector, "create_index",
		attribute.String("index", name), attribute.Int("dimension", dimension))
	defer func() { finish(err) }()

	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	for _, stmt := range createTableSQL(name, dimension) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating index %s: %w", name, err)
		}
	}
	return nil
}

const upsertColumns = `id, doc_id, chunk_index, text, security_tags, version_id, ts, source, classification, tenant, embedding`

func upsertSQL(name string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	doc_id = EXCLUDED.doc_id,
	chunk_index = EXCLUDED.chunk_index,
	text = EXCLUDED.text,
	security_tags = EXCLUDED.security_tags,
	version_id = EXCLUDED.version_id,
	ts = EXCLUDED.ts,
	source = EXCLUDED.source,
	classification = EXCLUDED.classification,
	tenant = EXCLUDED.tenant,
	embedding = EXCLUDED.embedding`, pgTable(name), upsertColumns)
}

// Upsert implements Store. All records are written in one transaction.
func (s *PgvectorStore) Upsert(ctx context.Context, index string, records []Record) (ids []string, err error) {
	ctx, finish := observe(ctx, backendPgvector, "upsert",
		attribute.String("index", index), attribute.Int("records", len(records)))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return nil, err
	}
	if err := validateRecords(records, 0); err != nil {
		return nil, err
	}

	stmt := upsertSQL(index)
	ids = make([]string, len(records))
	batch := &pgx.Batch{}
	for i, r := range records {
		id := r.ID
		if _, perr := uuid.Parse(id); perr != nil {
			id = uuid.NewString()
		}
		ids[i] = id
		m := r.Metadata
		tags := m.SecurityTags
		if tags == nil {
			tags = []string{}
		}
		batch.Queue(stmt, id, m.DocID, m.ChunkIndex, m.Text, tags, m.VersionID,
			m.Timestamp.UTC(), m.Source, m.Classification, m.Tenant, pgvector.NewVector(r.Vector))
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("upserting into %s: %w", index, err)
	}
	RecordsWritten.WithLabelValues(backendPgvector).Add(float64(len(records)))
	return ids, nil
}

// buildPgQuery renders the similarity query. Argument $1 is the query
// vector; each filter clause adds one text[] argument.
func buildPgQuery(index string, req QueryRequest) (string, []any) {
	var sb strings.Builder
	args := []any{pgvector.NewVector(req.Vector)}

	sb.WriteString("SELECT id, doc_id, chunk_index, text, security_tags, version_id, ts, source, classification, tenant, ")
	sb.WriteString("1 - (embedding <=> $1) AS score")
	if req.IncludeVector {
		sb.WriteString(", embedding")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(pgTable(index))

	for i, c := range req.Filter.Clauses {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		args = append(args, c.AnyOf)
		fmt.Fprintf(&sb, "security_tags && $%d", len(args))
	}

	args = append(args, req.TopK)
	fmt.Fprintf(&sb, " ORDER BY embedding <=> $1 LIMIT $%d", len(args))
	return sb.String(), args
}

// Query implements Store.
func (s *PgvectorStore) Query(ctx context.Context, index string, req QueryRequest) (results []Result, err error) {
	ctx, finish := observe(ctx, backendPgvector, "query",
		attribute.String("index", index), attribute.Int("top_k", req.TopK))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sql, args := buildPgQuery(index, req)
	results, err = retry.DoValue(ctx, s.policy, func(ctx context.Context) ([]Result, error) {
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := []Result{}
		for rows.Next() {
			var (
				r     Result
				m     = &r.Metadata
				score float64
				vec   pgvector.Vector
			)
			dest := []any{&r.ID, &m.DocID, &m.ChunkIndex, &m.Text, &m.SecurityTags, &m.VersionID,
				&m.Timestamp, &m.Source, &m.Classification, &m.Tenant, &score}
			if req.IncludeVector {
				dest = append(dest, &vec)
			}
			if err := rows.Scan(dest...); err != nil {
				return nil, err
			}
			r.Score = float32(score)
			if req.IncludeVector {
				r.Vector = vec.Slice()
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		return nil, fmt.Errorf("querying %s: %w", index, err)
	}
	return results, nil
}

// DeleteByDocID implements Store.
func (s *PgvectorStore) DeleteByDocID(ctx context.Context, index, docID string) (err error) {
	ctx, finish := observe(ctx, backendPgvector, "delete_by_doc_id", attribute.String("index", index))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return err
	}
	if docID == "" {
		return errors.New("doc id cannot be empty")
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE doc_id = $1`, pgTable(index)), docID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return nil
		}
		return fmt.Errorf("deleting doc %s from %s: %w", docID, index, err)
	}
	s.logger.Debug(ctx, "deleted stale vectors",
		zap.String("index", index),
		zap.String("doc_id", docID),
		zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Close closes the connection pool.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}
