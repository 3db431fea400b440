package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/retry"
)

const backendQdrant = "qdrant"

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey config.Secret

	// MaxMessageSize bounds gRPC messages in both directions.
	// Default: 50MB
	MaxMessageSize int

	// Retry applies to transient gRPC failures of reads, index creation
	// and deletes. Upsert is attempted once.
	Retry retry.Policy
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Policy{MaxAttempts: 3, Kind: retry.Exponential, Delay: time.Second, MaxDelay: 10 * time.Second}
	}
	c.Retry.Retryable = IsTransientError
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// qdrantClient is the subset of *qdrant.Client the store uses.
type qdrantClient interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantStore implements Store over Qdrant's native gRPC API.
//
// Security tags are stored as a keyword array payload field with a keyword
// index; each filter clause becomes a Must condition matching any of its
// values.
type QdrantStore struct {
	client qdrantClient
	config QdrantConfig
	logger *logging.Logger
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *logging.Logger) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named(backendQdrant)

	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey.Value(),
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := newQdrantStoreWithClient(client, cfg, logger)
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Health(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newQdrantStoreWithClient(client qdrantClient, cfg QdrantConfig, logger *logging.Logger) *QdrantStore {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &QdrantStore{client: client, config: cfg, logger: logger}
	s.config.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn(context.Background(), "qdrant operation failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return s
}

// Backend implements Store.
func (s *QdrantStore) Backend() string { return backendQdrant }

// Health implements HealthChecker.
func (s *QdrantStore) Health(ctx context.Context) (err error) {
	ctx, finish := observe(ctx, backendQdrant, "health")
	defer func() { finish(err) }()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// CreateIndex implements Store.
func (s *QdrantStore) CreateIndex(ctx context.Context, name string, dimension int) (err error) {
	ctx, finish := observe(ctx, backendQdrant, "create_index",
		attribute.String("index", name), attribute.Int("dimension", dimension))
	defer func() { finish(err) }()

	if err := ValidateIndexName(name); err != nil {
		return err
	}
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	exists, err := retry.DoValue(ctx, s.config.Retry, func(ctx context.Context) (bool, error) {
		return s.client.CollectionExists(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	err = retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	for _, field := range []string{fieldSecurityTags, fieldDocID} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("creating %s index on %s: %w", field, name, err)
		}
	}
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, index string, records []Record) (ids []string, err error) {
	ctx, finish := observe(ctx, backendQdrant, "upsert",
		attribute.String("index", index), attribute.Int("records", len(records)))
	defer func() { finish(err) }()

	if err := validateRecords(records, 0); err != nil {
		return nil, err
	}

	points := make([]*qdrant.PointStruct, len(records))
	ids = make([]string, len(records))
	for i, r := range records {
		id := r.ID
		if _, perr := uuid.Parse(id); perr != nil {
			id = uuid.NewString()
		}
		ids[i] = id
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrantPayload(r.Metadata),
		}
	}

	// Writes are attempted once; the storage layer owns write retries.
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: index,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting points to %s: %w", index, err)
	}
	RecordsWritten.WithLabelValues(backendQdrant).Add(float64(len(points)))
	return ids, nil
}

// Query implements Store.
func (s *QdrantStore) Query(ctx context.Context, index string, req QueryRequest) (results []Result, err error) {
	ctx, finish := observe(ctx, backendQdrant, "query",
		attribute.String("index", index), attribute.Int("top_k", req.TopK))
	defer func() { finish(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	points, err := retry.DoValue(ctx, s.config.Retry, func(ctx context.Context) ([]*qdrant.ScoredPoint, error) {
		return s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: index,
			Query:          qdrant.NewQuery(req.Vector...),
			Limit:          qdrant.PtrOf(uint64(req.TopK)),
			Filter:         qdrantFilter(req.Filter),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(req.IncludeVector),
		})
	})
	if err != nil {
		if status.Code(err) == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
		}
		return nil, fmt.Errorf("searching collection %s: %w", index, err)
	}

	results = make([]Result, 0, len(points))
	for _, p := range points {
		r := Result{
			ID:       p.GetId().GetUuid(),
			Score:    p.GetScore(),
			Metadata: metadataFromPayload(p.GetPayload()),
		}
		if req.IncludeVector {
			r.Vector = p.GetVectors().GetVector().GetData()
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteByDocID implements Store.
func (s *QdrantStore) DeleteByDocID(ctx context.Context, index, docID string) (err error) {
	ctx, finish := observe(ctx, backendQdrant, "delete_by_doc_id", attribute.String("index", index))
	defer func() { finish(err) }()

	if docID == "" {
		return errors.New("doc id cannot be empty")
	}

	err = retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: index,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{keywordCondition(fieldDocID, docID)},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		if status.Code(err) == grpccodes.NotFound {
			return nil
		}
		return fmt.Errorf("deleting doc %s from %s: %w", docID, index, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// qdrantFilter translates a Filter into Must conditions, one per clause.
func qdrantFilter(f Filter) *qdrant.Filter {
	if len(f.Clauses) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(f.Clauses))
	for _, c := range f.Clauses {
		must = append(must, keywordCondition(fieldSecurityTags, c.AnyOf...))
	}
	return &qdrant.Filter{Must: must}
}

func keywordCondition(key string, values ...string) *qdrant.Condition {
	match := &qdrant.Match{}
	if len(values) == 1 {
		match.MatchValue = &qdrant.Match_Keyword{Keyword: values[0]}
	} else {
		match.MatchValue = &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: values}}
	}
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Match: match},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func qdrantPayload(m Metadata) map[string]*qdrant.Value {
	tags := make([]*qdrant.Value, len(m.SecurityTags))
	for i, t := range m.SecurityTags {
		tags[i] = stringValue(t)
	}
	return map[string]*qdrant.Value{
		fieldText:       stringValue(m.Text),
		fieldDocID:      stringValue(m.DocID),
		fieldChunkIndex: {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(m.ChunkIndex)}},
		fieldSecurityTags: {Kind: &qdrant.Value_ListValue{
			ListValue: &qdrant.ListValue{Values: tags},
		}},
		fieldVersionID:      stringValue(m.VersionID),
		fieldTimestamp:      stringValue(m.Timestamp.UTC().Format(time.RFC3339Nano)),
		fieldSource:         stringValue(m.Source),
		fieldClassification: stringValue(m.Classification),
		fieldTenant:         stringValue(m.Tenant),
	}
}

func metadataFromPayload(payload map[string]*qdrant.Value) Metadata {
	fields := make(map[string]string, len(payload))
	var m Metadata
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			fields[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			if k == fieldChunkIndex {
				m.ChunkIndex = int(val.IntegerValue)
			}
		case *qdrant.Value_ListValue:
			if k == fieldSecurityTags {
				for _, item := range val.ListValue.GetValues() {
					m.SecurityTags = append(m.SecurityTags, item.GetStringValue())
				}
			}
		}
	}

	decoded := metadataFromStringMap(fields)
	decoded.ChunkIndex = m.ChunkIndex
	decoded.SecurityTags = m.SecurityTags
	if decoded.SecurityTags == nil {
		decoded.SecurityTags = []string{}
	}
	return decoded
}
