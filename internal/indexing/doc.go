// Package indexing turns documents on disk into tagged vectors.
//
// Each document moves through reading, chunking, embedding and storing, and
// ends completed or failed. A failure affects only that document: batch
// callers receive one DocumentResult per input, in input order, and a failed
// document never aborts the rest of the batch.
//
// Re-indexing a document id replaces its previous vectors when the store
// supports DeleteByDocID. Stores that return vectorstore.ErrDeleteUnsupported
// keep the old vectors, and the result carries a warning saying so.
package indexing
