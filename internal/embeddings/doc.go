// Package embeddings turns text chunks into fixed-dimension vectors.
//
// Three providers are available: TEI (an external text-embeddings-inference
// server), FastEmbed (local ONNX, cgo builds only) and any OpenAI-compatible
// embeddings endpoint. NewProvider selects one from configuration and wraps
// it with a rate limiter and a retry policy.
//
// Service sits on top of a Provider and implements the indexing-side
// contract: a primary single-call path, a manual batch path, chunk
// validation and a memory estimate.
package embeddings
