package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/embeddings"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

var (
	// ErrValidation is returned for malformed requests, before any I/O.
	ErrValidation = errors.New("invalid query")

	// ErrQueryFailed wraps embedding and store failures.
	ErrQueryFailed = errors.New("query failed")
)

var tracer = otel.Tracer("securerag.query")

var (
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securerag",
			Subsystem: "query",
			Name:      "results_total",
			Help:      "Query hits by outcome",
		},
		[]string{"outcome"},
	)

	accessMismatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "securerag",
			Name:      "access_mismatch_total",
			Help:      "Results that matched the store filter but failed the per-document access check",
		},
		[]string{"policy"},
	)
)

// Result outcomes.
const (
	outcomeReturned       = "returned"
	outcomeBelowThreshold = "below_threshold"
	outcomeMismatch       = "access_mismatch"
)

// MismatchPolicy decides what happens to a result that fails the
// per-document access check.
type MismatchPolicy string

const (
	// MismatchDrop removes the result.
	MismatchDrop MismatchPolicy = "drop"
	// MismatchAudit keeps the result and only reports it.
	MismatchAudit MismatchPolicy = "audit"
)

// AuditSink receives access mismatch reports. *events.Publisher implements
// it.
type AuditSink interface {
	PublishAccessMismatch(ctx context.Context, tenant string, data any) error
}

// Request is one question asked under an access policy.
type Request struct {
	Question string            `json:"question"`
	Filter   rbac.AccessFilter `json:"accessFilter"`

	// TopK and MinSimilarity override the service defaults when set.
	TopK          int      `json:"topK,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
}

// Context is one retrieved chunk.
type Context struct {
	Text           string   `json:"text"`
	DocID          string   `json:"docId"`
	VersionID      string   `json:"versionId"`
	Source         string   `json:"source"`
	Score          float32  `json:"score"`
	SecurityTags   []string `json:"securityTags"`
	Classification string   `json:"classification"`
}

// Response is the query output. Contexts is never nil.
type Response struct {
	Contexts []Context `json:"contexts"`
}

// Mismatch describes a result that failed the per-document check.
type Mismatch struct {
	DocID           string   `json:"docId"`
	VersionID       string   `json:"versionId"`
	Reason          string   `json:"reason"`
	Policy          string   `json:"policy"`
	UserRoles       []string `json:"userRoles"`
	RolesWithAccess []string `json:"rolesWithAccess"`
	SecurityTags    []string `json:"securityTags"`
}

// Options tunes the service.
type Options struct {
	Index         string
	TopK          int
	MinSimilarity float64
	Mismatch      MismatchPolicy

	// RequestTransforms run in order before validation; ResponseTransforms
	// run in order on the final response.
	RequestTransforms  []RequestTransform
	ResponseTransforms []ResponseTransform
}

// OptionsFromSettings builds Options from configuration.
func OptionsFromSettings(cfg *config.Config) Options {
	responses := []ResponseTransform{DedupeContexts}
	if cfg.Query.MaxContexts > 0 {
		responses = append(responses, LimitContexts(cfg.Query.MaxContexts))
	}
	return Options{
		Index:         cfg.VectorStore.IndexName,
		TopK:          cfg.Query.TopK,
		MinSimilarity: cfg.Query.MinSimilarity,
		Mismatch:      MismatchPolicy(cfg.Query.AccessMismatch),
		RequestTransforms: []RequestTransform{
			NormalizeQuestion,
			MaxQuestionLength(maxQuestionRunes),
			CapTopK(maxTopK),
		},
		ResponseTransforms: responses,
	}
}

const (
	maxTopK          = 100
	maxQuestionRunes = 8192
)

func (o *Options) applyDefaults() {
	if o.Index == "" {
		o.Index = "governed_rag"
	}
	if o.TopK <= 0 {
		o.TopK = 8
	}
	if o.Mismatch == "" {
		o.Mismatch = MismatchDrop
	}
}

// Service is the vector query service.
type Service struct {
	store    vectorstore.Store
	embedder *embeddings.Service
	roles    *rbac.Service
	audit    AuditSink
	opts     Options
	logger   *logging.Logger
}

// NewService wires the query service. audit and roles may be nil. A zero
// MinSimilarity is used as given.
func NewService(
	store vectorstore.Store,
	embedder *embeddings.Service,
	roles *rbac.Service,
	audit AuditSink,
	opts Options,
	logger *logging.Logger,
) *Service {
	opts.applyDefaults()
	if roles == nil {
		roles = rbac.NewService(nil, logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		roles:    roles,
		audit:    audit,
		opts:     opts,
		logger:   logger.Named("query"),
	}
}

// Policy returns the configured mismatch policy.
func (s *Service) Policy() MismatchPolicy { return s.opts.Mismatch }

func (s *Service) validate(req *Request) error {
	if strings.TrimSpace(req.Question) == "" {
		return fmt.Errorf("%w: question is empty", ErrValidation)
	}
	if len(req.Filter.AllowTags) == 0 {
		return fmt.Errorf("%w: access tags are empty", ErrValidation)
	}
	if !req.Filter.MaxClassification.Valid() {
		return fmt.Errorf("%w: unknown max classification %q", ErrValidation, req.Filter.MaxClassification)
	}
	if req.TopK < 0 {
		return fmt.Errorf("%w: topK must not be negative", ErrValidation)
	}
	if m := req.MinSimilarity; m != nil && (*m < -1 || *m > 1) {
		return fmt.Errorf("%w: minSimilarity must be within [-1, 1]", ErrValidation)
	}
	if s.store == nil {
		return fmt.Errorf("%w: no vector store configured", ErrValidation)
	}
	if s.embedder == nil {
		return fmt.Errorf("%w: no embedding service configured", ErrValidation)
	}
	return nil
}

// Query answers req. Results are ordered by descending score, all score at
// least the similarity threshold and all pass the per-document access check
// unless the policy is MismatchAudit.
func (s *Service) Query(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "query.execute")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, t := range s.opts.RequestTransforms {
		if err := t(ctx, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	topK := s.opts.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}
	minSim := s.opts.MinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}
	filter := BuildFilter(ctx, s.roles, req.Filter)
	userRoles := req.Filter.Roles()

	span.SetAttributes(
		attribute.Int("top_k", topK),
		attribute.String("max_classification", string(req.Filter.MaxClassification)),
		attribute.Int("roles", len(userRoles)))

	vector, err := s.embedder.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding question: %w", ErrQueryFailed, err)
	}

	hits, err := s.store.Query(ctx, s.opts.Index, vectorstore.QueryRequest{
		Vector: vector,
		TopK:   topK,
		Filter: filter,
	})
	if err != nil {
		if errors.Is(err, vectorstore.ErrIndexNotFound) {
			s.logger.Debug(ctx, "index not created yet", zap.String("index", s.opts.Index))
			return s.finish(ctx, &req, &Response{Contexts: []Context{}})
		}
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	resp = &Response{Contexts: make([]Context, 0, len(hits))}
	var below, mismatched int
	for _, h := range hits {
		if float64(h.Score) < minSim {
			below++
			continue
		}
		if m := s.checkAccess(ctx, req.Filter, userRoles, h.Metadata); m != nil {
			mismatched++
			s.reportMismatch(ctx, req.Filter, m)
			if s.opts.Mismatch != MismatchAudit {
				continue
			}
		}
		resp.Contexts = append(resp.Contexts, toContext(h))
	}

	resultsTotal.WithLabelValues(outcomeBelowThreshold).Add(float64(below))
	resultsTotal.WithLabelValues(outcomeMismatch).Add(float64(mismatched))

	resp, err = s.finish(ctx, &req, resp)
	if err != nil {
		return nil, err
	}
	resultsTotal.WithLabelValues(outcomeReturned).Add(float64(len(resp.Contexts)))

	s.logger.Info(ctx, "query answered",
		zap.Int("hits", len(hits)),
		zap.Int("below_threshold", below),
		zap.Int("access_mismatches", mismatched),
		zap.Int("returned", len(resp.Contexts)),
		zap.Stringer("filter", filter),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (s *Service) finish(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	for _, t := range s.opts.ResponseTransforms {
		if err := t(ctx, req, resp); err != nil {
			return nil, fmt.Errorf("%w: transforming response: %w", ErrQueryFailed, err)
		}
	}
	if resp.Contexts == nil {
		resp.Contexts = []Context{}
	}
	return resp, nil
}

// checkAccess re-validates a hit against the document's own tags. It returns
// nil when the hit is allowed.
func (s *Service) checkAccess(ctx context.Context, f rbac.AccessFilter, userRoles []string, m vectorstore.Metadata) *Mismatch {
	docRoles := rbac.WithPrefix(m.SecurityTags, rbac.RolePrefix)
	effective := userRoles
	if len(effective) == 0 {
		effective = []string{rbac.PublicRole}
	}

	reason := ""
	switch {
	case !s.roles.CanAccessDocument(ctx, effective, docRoles):
		reason = "role"
	case classificationAbove(m.SecurityTags, f.MaxClassification):
		reason = "classification"
	case !tenantAllowed(m.SecurityTags, f.TenantTags()):
		reason = "tenant"
	default:
		return nil
	}

	return &Mismatch{
		DocID:           m.DocID,
		VersionID:       m.VersionID,
		Reason:          reason,
		Policy:          string(s.opts.Mismatch),
		UserRoles:       userRoles,
		RolesWithAccess: s.roles.RolesWithAccess(ctx, docRoles),
		SecurityTags:    m.SecurityTags,
	}
}

func (s *Service) reportMismatch(ctx context.Context, f rbac.AccessFilter, m *Mismatch) {
	accessMismatchTotal.WithLabelValues(m.Policy).Inc()
	s.logger.Warn(ctx, "security: result failed per-document access check",
		zap.String("doc_id", m.DocID),
		zap.String("reason", m.Reason),
		zap.String("policy", m.Policy),
		zap.Strings("user_roles", m.UserRoles),
		zap.Strings("roles_with_access", m.RolesWithAccess),
		zap.Strings("security_tags", m.SecurityTags))

	if s.audit == nil {
		return
	}
	tenant := ""
	if t := rbac.Values(f.TenantTags(), rbac.TenantPrefix); len(t) > 0 {
		tenant = t[0]
	}
	if err := s.audit.PublishAccessMismatch(ctx, tenant, m); err != nil {
		s.logger.Debug(ctx, "audit event dropped", zap.Error(err))
	}
}

func classificationAbove(tags []string, limit rbac.Classification) bool {
	c := rbac.ClassificationOf(tags)
	if c == "" {
		return false
	}
	return c.Rank() < 0 || c.Rank() > limit.Rank()
}

func tenantAllowed(tags, tenantTags []string) bool {
	if len(tenantTags) == 0 {
		return true
	}
	for _, t := range tenantTags {
		if contains(tags, t) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func toContext(r vectorstore.Result) Context {
	m := r.Metadata
	classification := m.Classification
	if classification == "" {
		classification = string(rbac.ClassificationOf(m.SecurityTags))
	}
	return Context{
		Text:           m.Text,
		DocID:          m.DocID,
		VersionID:      m.VersionID,
		Source:         m.Source,
		Score:          r.Score,
		SecurityTags:   m.SecurityTags,
		Classification: classification,
	}
}
