package vectorstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

const testIndex = "governed_rag"

func newMemoryStore(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateIndex(context.Background(), testIndex, 3))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(id, docID string, vec []float32, tags ...string) vectorstore.Record {
	return vectorstore.Record{
		ID:     id,
		Vector: vec,
		Metadata: vectorstore.Metadata{
			Text:         "text of " + id,
			DocID:        docID,
			SecurityTags: tags,
			VersionID:    "v1",
			Timestamp:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func seed(t *testing.T, store vectorstore.Store) {
	t.Helper()
	_, err := store.Upsert(context.Background(), testIndex, []vectorstore.Record{
		record("a", "doc-1", []float32{1, 0, 0}, "role:engineering", "classification:internal"),
		record("b", "doc-1", []float32{0.9, 0.1, 0}, "role:hr", "classification:confidential"),
		record("c", "doc-2", []float32{0, 1, 0}, "role:public", "classification:public"),
		record("d", "doc-3", []float32{0.8, 0.2, 0}, "role:engineering", "classification:public"),
	})
	require.NoError(t, err)
}

func TestChromemStore_QueryWithoutFilter(t *testing.T) {
	store := newMemoryStore(t)
	seed(t, store)

	results, err := store.Query(context.Background(), testIndex, vectorstore.QueryRequest{
		Vector: []float32{1, 0, 0},
		TopK:   2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	assert.Nil(t, results[0].Vector)
}

func TestChromemStore_QueryFilterIsConjunctionOfAnyOf(t *testing.T) {
	store := newMemoryStore(t)
	seed(t, store)

	filter := vectorstore.Filter{}.
		And("classification", "classification:public", "classification:internal").
		And("role", "role:engineering")

	results, err := store.Query(context.Background(), testIndex, vectorstore.QueryRequest{
		Vector: []float32{1, 0, 0},
		TopK:   10,
		Filter: filter,
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
		assert.True(t, filter.Matches(r.Metadata.SecurityTags))
	}
	assert.Equal(t, []string{"a", "d"}, ids)
}

func TestChromemStore_MetadataRoundTrip(t *testing.T) {
	store := newMemoryStore(t)
	seed(t, store)

	results, err := store.Query(context.Background(), testIndex, vectorstore.QueryRequest{
		Vector:        []float32{0, 1, 0},
		TopK:          1,
		IncludeVector: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "c", got.ID)
	assert.Equal(t, "text of c", got.Metadata.Text)
	assert.Equal(t, "doc-2", got.Metadata.DocID)
	assert.Equal(t, "v1", got.Metadata.VersionID)
	assert.ElementsMatch(t, []string{"role:public", "classification:public"}, got.Metadata.SecurityTags)
	assert.True(t, got.Metadata.Timestamp.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Len(t, got.Vector, 3)
}

func TestChromemStore_DeleteByDocID(t *testing.T) {
	store := newMemoryStore(t)
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.DeleteByDocID(ctx, testIndex, "doc-1"))

	results, err := store.Query(ctx, testIndex, vectorstore.QueryRequest{Vector: []float32{1, 0, 0}, TopK: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "doc-1", r.Metadata.DocID)
	}
	assert.Len(t, results, 2)

	// Deleting from a missing index is not an error.
	assert.NoError(t, store.DeleteByDocID(ctx, "missing_index", "doc-1"))
}

func TestChromemStore_Errors(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	t.Run("missing index", func(t *testing.T) {
		_, err := store.Query(ctx, "nope", vectorstore.QueryRequest{Vector: []float32{1, 0, 0}, TopK: 1})
		assert.ErrorIs(t, err, vectorstore.ErrIndexNotFound)
	})

	t.Run("invalid index name", func(t *testing.T) {
		err := store.CreateIndex(ctx, "Bad-Name", 3)
		assert.ErrorIs(t, err, vectorstore.ErrInvalidIndexName)
	})

	t.Run("dimension mismatch on create", func(t *testing.T) {
		err := store.CreateIndex(ctx, testIndex, 8)
		assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	})

	t.Run("dimension mismatch on upsert", func(t *testing.T) {
		_, err := store.Upsert(ctx, testIndex, []vectorstore.Record{record("x", "d", []float32{1, 0})})
		assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	})

	t.Run("empty upsert", func(t *testing.T) {
		_, err := store.Upsert(ctx, testIndex, nil)
		assert.ErrorIs(t, err, vectorstore.ErrEmptyRecords)
	})

	t.Run("invalid filter", func(t *testing.T) {
		_, err := store.Query(ctx, testIndex, vectorstore.QueryRequest{
			Vector: []float32{1, 0, 0},
			TopK:   1,
			Filter: vectorstore.Filter{}.And("role"),
		})
		assert.ErrorIs(t, err, vectorstore.ErrInvalidFilter)
	})

	t.Run("empty index returns no results", func(t *testing.T) {
		results, err := store.Query(ctx, testIndex, vectorstore.QueryRequest{Vector: []float32{1, 0, 0}, TopK: 3})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestChromemStore_GeneratesIDs(t *testing.T) {
	store := newMemoryStore(t)

	ids, err := store.Upsert(context.Background(), testIndex, []vectorstore.Record{
		record("", "doc", []float32{1, 0, 0}),
		record("", "doc", []float32{0, 1, 0}),
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateIndex(ctx, testIndex, 3))
	seed(t, store)
	require.NoError(t, store.Close())

	reopened, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	results, err := reopened.Query(ctx, testIndex, vectorstore.QueryRequest{Vector: []float32{0, 1, 0}, TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].ID)
}

func TestNewStore_UnknownProvider(t *testing.T) {
	_, err := vectorstore.NewStore(context.Background(), configWithProvider("faiss"), nil)
	assert.ErrorIs(t, err, vectorstore.ErrInvalidConfig)
}

func TestNewStore_DefaultsToChromem(t *testing.T) {
	store, err := vectorstore.NewStore(context.Background(), configWithProvider(""), nil)
	require.NoError(t, err)
	assert.Equal(t, "chromem", store.Backend())
}

func TestChromemStore_ReopenedIndexKeepsDimension(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateIndex(ctx, testIndex, 3))
	seed(t, store)
	require.NoError(t, store.Close())

	t.Run("upsert without create index", func(t *testing.T) {
		reopened, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)

		_, err = reopened.Upsert(ctx, testIndex, []vectorstore.Record{record("", "doc", []float32{1, 0})})
		require.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

		// The learned size is cached for later writes.
		_, err = reopened.Upsert(ctx, testIndex, []vectorstore.Record{record("", "doc", []float32{1, 0, 0, 0})})
		require.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)

		_, err = reopened.Upsert(ctx, testIndex, []vectorstore.Record{record("", "doc", []float32{0, 0, 1})})
		require.NoError(t, err)
	})

	t.Run("create index with another dimension", func(t *testing.T) {
		reopened, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)

		require.ErrorIs(t, reopened.CreateIndex(ctx, testIndex, 5), vectorstore.ErrDimensionMismatch)
		require.NoError(t, reopened.CreateIndex(ctx, testIndex, 3))
	})
}
