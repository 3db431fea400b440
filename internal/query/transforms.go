package query

import (
	"context"
	"errors"
	"strings"
)

// RequestTransform rewrites a request before validation. Returning an error
// rejects the request.
type RequestTransform func(ctx context.Context, req *Request) error

// ResponseTransform rewrites a response before it is returned.
type ResponseTransform func(ctx context.Context, req *Request, resp *Response) error

// NormalizeQuestion trims the question and collapses internal whitespace.
func NormalizeQuestion(_ context.Context, req *Request) error {
	req.Question = strings.Join(strings.Fields(req.Question), " ")
	return nil
}

// CapTopK clamps a requested topK to limit.
func CapTopK(limit int) RequestTransform {
	return func(_ context.Context, req *Request) error {
		if limit > 0 && req.TopK > limit {
			req.TopK = limit
		}
		return nil
	}
}

// MaxQuestionLength rejects questions longer than n runes.
func MaxQuestionLength(n int) RequestTransform {
	return func(_ context.Context, req *Request) error {
		if len([]rune(req.Question)) > n {
			return errors.New("question is too long")
		}
		return nil
	}
}

// DedupeContexts drops repeated (docId, text) pairs, keeping the highest
// scored. Duplicates appear when a store could not delete stale vectors on
// reindex.
func DedupeContexts(_ context.Context, _ *Request, resp *Response) error {
	type key struct{ doc, text string }
	seen := make(map[key]bool, len(resp.Contexts))
	out := resp.Contexts[:0]
	for _, c := range resp.Contexts {
		k := key{c.DocID, c.Text}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	resp.Contexts = out
	return nil
}

// LimitContexts keeps at most n contexts.
func LimitContexts(n int) ResponseTransform {
	return func(_ context.Context, _ *Request, resp *Response) error {
		if n >= 0 && len(resp.Contexts) > n {
			resp.Contexts = resp.Contexts[:n]
		}
		return nil
	}
}
