package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/securerag/internal/config"
)

func TestRequestTransforms(t *testing.T) {
	ctx := context.Background()
	req := &Request{Question: "  what   is\tthe\nleave policy ", TopK: 500}

	require.NoError(t, NormalizeQuestion(ctx, req))
	assert.Equal(t, "what is the leave policy", req.Question)

	require.NoError(t, CapTopK(50)(ctx, req))
	assert.Equal(t, 50, req.TopK)

	assert.NoError(t, MaxQuestionLength(24)(ctx, req))
	assert.Error(t, MaxQuestionLength(10)(ctx, req))
}

func TestResponseTransforms(t *testing.T) {
	ctx := context.Background()
	resp := &Response{Contexts: []Context{
		{DocID: "a", Text: "x", Score: 0.9},
		{DocID: "b", Text: "x", Score: 0.8},
		{DocID: "a", Text: "x", Score: 0.7},
		{DocID: "a", Text: "y", Score: 0.6},
	}}

	require.NoError(t, DedupeContexts(ctx, nil, resp))
	require.Len(t, resp.Contexts, 3)
	assert.Equal(t, float32(0.9), resp.Contexts[0].Score)

	require.NoError(t, LimitContexts(2)(ctx, nil, resp))
	assert.Len(t, resp.Contexts, 2)
}

func TestOptionsFromSettings_MaxContexts(t *testing.T) {
	ctx := context.Background()
	apply := func(opts Options) *Response {
		resp := &Response{Contexts: []Context{
			{DocID: "a", Text: "x"},
			{DocID: "a", Text: "x"},
			{DocID: "b", Text: "y"},
			{DocID: "c", Text: "z"},
		}}
		for _, tr := range opts.ResponseTransforms {
			require.NoError(t, tr(ctx, nil, resp))
		}
		return resp
	}

	cfg := config.Default()
	assert.Len(t, apply(OptionsFromSettings(cfg)).Contexts, 3, "zero keeps every deduplicated context")

	cfg.Query.MaxContexts = 2
	resp := apply(OptionsFromSettings(cfg))
	require.Len(t, resp.Contexts, 2)
	assert.Equal(t, []string{"a", "b"}, []string{resp.Contexts[0].DocID, resp.Contexts[1].DocID})
}
