package http

import (
	"github.com/fyrsmithlabs/securerag/internal/auth"
	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	VectorStore string `json:"vectorStore"`
	Error       string `json:"error,omitempty"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Question      string   `json:"question"`
	TopK          int      `json:"topK,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
}

// IndexRequest is the request body for POST /api/v1/index and
// POST /api/v1/index/plan.
type IndexRequest struct {
	Documents []indexing.DocumentInput `json:"documents"`
}

// AccessResponse is the response body for GET /api/v1/access.
type AccessResponse struct {
	Claims        *auth.Claims      `json:"claims"`
	AccessFilter  rbac.AccessFilter `json:"accessFilter"`
	ExpandedRoles []string          `json:"expandedRoles"`
	Summary       string            `json:"summary"`
}
