package services

import (
	"github.com/fyrsmithlabs/securerag/internal/auth"
	"github.com/fyrsmithlabs/securerag/internal/chunking"
	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/embeddings"
	"github.com/fyrsmithlabs/securerag/internal/events"
	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/query"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/storage"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

// Registry provides access to all securerag services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Config() *config.Config
	Roles() *rbac.Service
	Auth() *auth.Service
	Chunker() *chunking.Service
	Embedder() *embeddings.Service
	VectorStore() vectorstore.Store
	Storage() *storage.Service
	Indexer() *indexing.Service
	Query() *query.Service
	Events() *events.Publisher
}

// Options configures the registry with service instances.
type Options struct {
	Config      *config.Config
	Roles       *rbac.Service
	Auth        *auth.Service
	Chunker     *chunking.Service
	Embedder    *embeddings.Service
	VectorStore vectorstore.Store
	Storage     *storage.Service
	Indexer     *indexing.Service
	Query       *query.Service
	Events      *events.Publisher
}

// registry is the concrete implementation of Registry.
type registry struct {
	config      *config.Config
	roles       *rbac.Service
	auth        *auth.Service
	chunker     *chunking.Service
	embedder    *embeddings.Service
	vectorStore vectorstore.Store
	storage     *storage.Service
	indexer     *indexing.Service
	query       *query.Service
	events      *events.Publisher
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		config:      opts.Config,
		roles:       opts.Roles,
		auth:        opts.Auth,
		chunker:     opts.Chunker,
		embedder:    opts.Embedder,
		vectorStore: opts.VectorStore,
		storage:     opts.Storage,
		indexer:     opts.Indexer,
		query:       opts.Query,
		events:      opts.Events,
	}
}

func (r *registry) Config() *config.Config         { return r.config }
func (r *registry) Roles() *rbac.Service           { return r.roles }
func (r *registry) Auth() *auth.Service            { return r.auth }
func (r *registry) Chunker() *chunking.Service     { return r.chunker }
func (r *registry) Embedder() *embeddings.Service  { return r.embedder }
func (r *registry) VectorStore() vectorstore.Store { return r.vectorStore }
func (r *registry) Storage() *storage.Service      { return r.storage }
func (r *registry) Indexer() *indexing.Service     { return r.indexer }
func (r *registry) Query() *query.Service          { return r.query }
func (r *registry) Events() *events.Publisher      { return r.events }
