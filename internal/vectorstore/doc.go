// Package vectorstore defines the narrow vector store capability used by the
// indexing and query paths, and its backends.
//
// Every backend implements Store: CreateIndex, Upsert, Query and
// DeleteByDocID. Backends translate the canonical Filter into their native
// filter language and normalise their native result shape into Result at the
// adapter boundary, so business logic never sees backend-specific payloads.
//
// Backends:
//   - chromem: embedded chromem-go, in-memory or persisted to gob files (default)
//   - qdrant: Qdrant over native gRPC
//   - pgvector: PostgreSQL with the pgvector extension via pgx
//   - redis: Redis Stack (RediSearch) HNSW index
//
// Scores are cosine similarities: higher is more similar.
package vectorstore
