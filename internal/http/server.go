// Package http exposes the securerag services over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/securerag/internal/auth"
	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/logging"
	"github.com/fyrsmithlabs/securerag/internal/query"
	"github.com/fyrsmithlabs/securerag/internal/services"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

// maxDocumentsPerRequest bounds one indexing request.
const maxDocumentsPerRequest = 1000

// Server provides HTTP endpoints for securerag.
type Server struct {
	echo     *echo.Echo
	registry services.Registry
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host      string
	Port      int
	BodyLimit string

	// DocumentRoot is the only directory tree indexing requests may read
	// from. When empty, every indexing request is rejected.
	DocumentRoot string
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *logging.Logger, cfg *Config) (*Server, error) {
	if reg == nil || reg.Query() == nil || reg.Indexer() == nil || reg.Auth() == nil {
		return nil, fmt.Errorf("registry with query, indexing and auth services is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "2M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		registry: reg,
		logger:   logger.Named("http"),
		config:   cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(s.requestLogger)
	e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request id on the context and logs every request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))

		err := next(c)

		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", auth.BearerMiddleware(s.registry.Auth()))
	v1.POST("/query", s.handleQuery)
	v1.POST("/index", s.handleIndex)
	v1.POST("/index/plan", s.handlePlan)
	v1.GET("/access", s.handleAccess)
}

// handleHealth reports the vector store health.
func (s *Server) handleHealth(c echo.Context) error {
	store := s.registry.VectorStore()
	resp := HealthResponse{Status: "ok"}
	if store == nil {
		return c.JSON(http.StatusOK, resp)
	}
	resp.VectorStore = store.Backend()

	if hc, ok := store.(vectorstore.HealthChecker); ok {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := hc.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleQuery answers a question under the caller's access policy.
func (s *Server) handleQuery(c echo.Context) error {
	authz, ok := auth.FromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	resp, err := s.registry.Query().Query(ctx, query.Request{
		Question:      req.Question,
		Filter:        authz.Filter,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, query.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(ctx, "query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "query failed")
	}
}

// handleIndex indexes documents on behalf of the caller.
func (s *Server) handleIndex(c echo.Context) error {
	inputs, err := s.bindDocuments(c)
	if err != nil {
		return err
	}
	result := s.registry.Indexer().ProcessDocuments(c.Request().Context(), inputs, nil)
	return c.JSON(http.StatusOK, result)
}

// handlePlan estimates the cost of indexing documents without writing.
func (s *Server) handlePlan(c echo.Context) error {
	inputs, err := s.bindDocuments(c)
	if err != nil {
		return err
	}
	plan, err := s.registry.Indexer().Plan(c.Request().Context(), inputs)
	if err != nil {
		if errors.Is(err, indexing.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

// bindDocuments decodes an IndexRequest and enforces the caller's
// indexing rights: at least one role, documents only for the caller's own
// tenant, and paths inside DocumentRoot.
func (s *Server) bindDocuments(c echo.Context) ([]indexing.DocumentInput, error) {
	authz, ok := auth.FromEcho(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	if len(authz.Claims.Roles) == 0 {
		return nil, echo.NewHTTPError(http.StatusForbidden, "indexing requires at least one role")
	}

	var req IndexRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}
	if len(req.Documents) > maxDocumentsPerRequest {
		return nil, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("at most %d documents per request", maxDocumentsPerRequest))
	}

	tenant := authz.Claims.Tenant
	for i := range req.Documents {
		d := &req.Documents[i]
		switch strings.TrimSpace(d.Tenant) {
		case "":
			d.Tenant = tenant
		case tenant:
		default:
			return nil, echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("document %q targets tenant %q", d.DocID, d.Tenant))
		}
		path, err := confine(s.config.DocumentRoot, d.FilePath)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		d.FilePath = path
	}
	return req.Documents, nil
}

// confine resolves path under root. Relative paths are joined to root;
// absolute paths must already lie inside it. Symlinks are resolved on both
// sides before the comparison, and an empty root rejects every path.
func confine(root, path string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", errors.New("indexing over HTTP is disabled: no document root configured")
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("file path is empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("document root unavailable: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("document root unavailable: %w", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(realRoot, path)
	}
	path = filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(path)
	switch {
	case err == nil:
		path = resolved
	case errors.Is(err, fs.ErrNotExist):
		// The read fails later; only the lexical location can be checked.
		if !within(absRoot, path) && !within(realRoot, path) {
			return "", fmt.Errorf("file path %q is outside the document root", path)
		}
		return path, nil
	default:
		return "", fmt.Errorf("resolving file path %q: %w", path, err)
	}
	if !within(realRoot, path) {
		return "", fmt.Errorf("file path %q is outside the document root", path)
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// handleAccess describes what the caller's credential grants.
func (s *Server) handleAccess(c echo.Context) error {
	authz, ok := auth.FromEcho(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	ctx := c.Request().Context()
	roles := s.registry.Roles()
	return c.JSON(http.StatusOK, AccessResponse{
		Claims:        authz.Claims,
		AccessFilter:  authz.Filter,
		ExpandedRoles: roles.ExpandRoles(ctx, authz.Claims.Roles),
		Summary:       roles.FormatAccessSummary(ctx, authz.Claims.Roles, authz.Claims.StepUp),
	})
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
