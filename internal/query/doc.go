// Package query answers semantic questions under an access policy.
//
// A query is embedded, matched against the vector store with a security
// filter derived from the caller's AccessFilter, thresholded by similarity
// and re-checked per result against the document's own tags before it is
// returned.
package query
