package vectorstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
)

const (
	backendRedis = "redis"

	fieldVector    = "vector"
	fieldScore     = "score"
	hnswEFConstr   = 200
	hnswM          = 16
	deleteScanSize = 10000
)

// RedisConfig configures the Redis Stack (RediSearch) backend.
type RedisConfig struct {
	Addr     string
	Password config.Secret
	DB       int
	PoolSize int
}

// RedisStore implements Store on RediSearch. Each index is an FT index over
// hashes keyed "<index>:<id>". Security tags are a TAG field, so each filter
// clause becomes a @security_tags:{a|b} term and the terms intersect.
type RedisStore struct {
	client *redis.Client
	logger *logging.Logger

	// dimensions caches index name -> vector size.
	dimensions sync.Map
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *logging.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// FT.SEARCH replies are parsed as RESP2 arrays.
		Protocol: 2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client, logger: logger.Named(backendRedis)}, nil
}

// Backend implements Store.
func (s *RedisStore) Backend() string { return backendRedis }

// Health implements HealthChecker.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKeyPrefix(index string) string { return index + ":" }

func isUnknownIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

// createIndexArgs returns the FT.CREATE command for an index.
func createIndexArgs(name string, dimension int) []any {
	return []any{
		"FT.CREATE", name,
		"ON", "HASH",
		"PREFIX", "1", redisKeyPrefix(name),
		"SCHEMA",
		fieldVector, "VECTOR", "HNSW", "10",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(dimension),
		"DISTANCE_METRIC", "COSINE",
		"EF_CONSTRUCTION", strconv.Itoa(hnswEFConstr),
		"M", strconv.Itoa(hnswM),
		fieldSecurityTags, "TAG", "SEPARATOR", tagSeparator,
		fieldDocID, "TAG",
		fieldChunkIndex, "NUMERIC",
		fieldText, "TEXT",
	}
}

// CreateIndex implements Store.
func (s *RedisStore) CreateIndex(ctx context.Context, name string, dimension int) (err error) {
	ctx, finish := observe(ctx, backendRedis, "create_index",
		attribute.String("index", name), attribute.Int("dimension", dimension))
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

	if err := s.client.Do(ctx, "FT.INFO", name).Err(); err == nil {
		s.dimensions.Store(name, dimension)
		return nil
	} else if !isUnknownIndex(err) {
		return fmt.Errorf("checking index %s: %w", name, err)
	}

	if err := s.client.Do(ctx, createIndexArgs(name, dimension)...).Err(); err != nil {
		return fmt.Errorf("creating index %s: %w", name, err)
	}
	s.dimensions.Store(name, dimension)
	s.logger.Info(ctx, "created redis index", zap.String("index", name), zap.Int("dimension", dimension))
	return nil
}

// Upsert implements Store. Records are written in one pipeline.
func (s *RedisStore) Upsert(ctx context.Context, index string, records []Record) (ids []string, err error) {
	ctx, finish := observe(ctx, backendRedis, "upsert",
		attribute.String("index", index), attribute.Int("records", len(records)))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return nil, err
	}
	dim, _ := s.dimensions.Load(index)
	d, _ := dim.(int)
	if err := validateRecords(records, d); err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	ids = make([]string, len(records))
	for i, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids[i] = id
		pipe.HSet(ctx, redisKeyPrefix(index)+id, redisHashFields(r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("writing records to %s: %w", index, err)
	}
	RecordsWritten.WithLabelValues(backendRedis).Add(float64(len(records)))
	return ids, nil
}

func redisHashFields(r Record) map[string]any {
	fields := make(map[string]any, 10)
	for k, v := range r.Metadata.toStringMap() {
		fields[k] = v
	}
	fields[fieldSecurityTags] = strings.Join(r.Metadata.SecurityTags, tagSeparator)
	fields[fieldVector] = encodeVector(r.Vector)
	return fields
}

// encodeVector packs a vector as little-endian FLOAT32, the layout
// RediSearch expects for both stored and query vectors.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// escapeTagValue backslash-escapes the characters RediSearch treats as
// syntax inside a TAG query, e.g. "role:admin" -> `role\:admin`.
func escapeTagValue(v string) string {
	var sb strings.Builder
	for _, r := range v {
		if strings.ContainsRune(",.<>{}[]\"':;!@#$%^&*()-+=~|/\\ ", r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// buildRedisQuery renders a filter plus KNN clause, for example
// (@security_tags:{a|b} @security_tags:{c})=>[KNN 5 @vector $vec AS score].
func buildRedisQuery(f Filter, topK int) string {
	pre := "*"
	if len(f.Clauses) > 0 {
		terms := make([]string, len(f.Clauses))
		for i, c := range f.Clauses {
			vals := make([]string, len(c.AnyOf))
			for j, v := range c.AnyOf {
				vals[j] = escapeTagValue(v)
			}
			terms[i] = fmt.Sprintf("@%s:{%s}", fieldSecurityTags, strings.Join(vals, "|"))
		}
		pre = "(" + strings.Join(terms, " ") + ")"
	}
	return fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", pre, topK, fieldVector, fieldScore)
}

// Query implements Store.
func (s *RedisStore) Query(ctx context.Context, index string, req QueryRequest) (results []Result, err error) {
	ctx, finish := observe(ctx, backendRedis, "query",
		attribute.String("index", index), attribute.Int("top_k", req.TopK))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	reply, err := s.client.Do(ctx, "FT.SEARCH", index, buildRedisQuery(req.Filter, req.TopK),
		"PARAMS", "2", "vec", encodeVector(req.Vector),
		"SORTBY", fieldScore,
		"LIMIT", "0", strconv.Itoa(req.TopK),
		"DIALECT", "2",
	).Result()
	if err != nil {
		if isUnknownIndex(err) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		return nil, fmt.Errorf("searching %s: %w", index, err)
	}

	results, err = parseSearchReply(reply, redisKeyPrefix(index), req.IncludeVector)
	if err != nil {
		return nil, fmt.Errorf("parsing search reply: %w", err)
	}
	return results, nil
}

// parseSearchReply normalizes a RESP2 FT.SEARCH reply:
// [total, key1, [field, value, ...], key2, [...], ...].
func parseSearchReply(reply any, prefix string, includeVector bool) ([]Result, error) {
	values, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", reply)
	}
	results := []Result{}
	for i := 1; i+1 < len(values); i += 2 {
		key, ok := values[i].(string)
		if !ok {
			continue
		}
		raw, ok := values[i+1].([]any)
		if !ok {
			continue
		}

		fields := make(map[string]string, len(raw)/2)
		for j := 0; j+1 < len(raw); j += 2 {
			name, _ := raw[j].(string)
			val, _ := raw[j+1].(string)
			fields[name] = val
		}

		r := Result{
			ID:       strings.TrimPrefix(key, prefix),
			Metadata: metadataFromStringMap(fields),
		}
		if dist, err := strconv.ParseFloat(fields[fieldScore], 32); err == nil {
			r.Score = 1 - float32(dist)
		}
		if includeVector {
			r.Vector = decodeVector([]byte(fields[fieldVector]))
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteByDocID implements Store.
func (s *RedisStore) DeleteByDocID(ctx context.Context, index, docID string) (err error) {
	ctx, finish := observe(ctx, backendRedis, "delete_by_doc_id", attribute.String("index", index))
	defer func() { finish(err) }()

	if err := ValidateIndexName(index); err != nil {
		return err
	}
	if docID == "" {
		return errors.New("doc id cannot be empty")
	}

	query := fmt.Sprintf("@%s:{%s}", fieldDocID, escapeTagValue(docID))
	search := func(ctx context.Context) ([]string, error) {
		reply, err := s.client.Do(ctx, "FT.SEARCH", index, query,
			"NOCONTENT",
			"LIMIT", "0", strconv.Itoa(deleteScanSize),
			"DIALECT", "2",
		).Result()
		if err != nil {
			return nil, err
		}
		return parseKeyReply(reply), nil
	}
	del := func(ctx context.Context, keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	}

	deleted, err := deleteInPages(ctx, search, del)
	if err != nil {
		if isUnknownIndex(err) {
			return nil
		}
		return fmt.Errorf("deleting doc %s from %s: %w", docID, index, err)
	}
	if deleted > 0 {
		s.logger.Debug(ctx, "deleted stale vectors",
			zap.String("index", index),
			zap.String("doc_id", docID),
			zap.Int("keys", deleted))
	}
	return nil
}

// parseKeyReply extracts keys from a NOCONTENT FT.SEARCH reply:
// [total, key1, key2, ...].
func parseKeyReply(reply any) []string {
	values, _ := reply.([]any)
	var keys []string
	for i := 1; i < len(values); i++ {
		if k, ok := values[i].(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// deleteInPages alternates search and delete until a search comes back
// empty. A page that deletes nothing new stops the loop so a key that
// cannot be removed does not spin forever.
func deleteInPages(ctx context.Context,
	search func(context.Context) ([]string, error),
	del func(context.Context, []string) error,
) (int, error) {
	deleted := 0
	seen := make(map[string]bool)
	for {
		keys, err := search(ctx)
		if err != nil {
			return deleted, err
		}
		fresh := 0
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				fresh++
			}
		}
		if len(keys) == 0 || fresh == 0 {
			if len(keys) > 0 {
				return deleted, fmt.Errorf("%d keys remain after delete", len(keys))
			}
			return deleted, nil
		}
		if err := del(ctx, keys); err != nil {
			return deleted, err
		}
		deleted += fresh
	}
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
