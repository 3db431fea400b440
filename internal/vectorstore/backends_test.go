package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/securerag/internal/retry"
)

func testFilter() Filter {
	return Filter{}.
		And("classification", "classification:public", "classification:internal").
		And("role", "role:engineering")
}

func TestMetadata_StringMapRoundTrip(t *testing.T) {
	m := Metadata{
		Text:           "hello",
		DocID:          "doc-1",
		ChunkIndex:     7,
		SecurityTags:   []string{"role:hr", "classification:confidential"},
		VersionID:      "v2",
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 123, time.UTC),
		Source:         "handbook.md",
		Classification: "confidential",
		Tenant:         "acme",
	}
	got := metadataFromStringMap(m.toStringMap())
	assert.Equal(t, m.Text, got.Text)
	assert.Equal(t, m.ChunkIndex, got.ChunkIndex)
	assert.Equal(t, m.SecurityTags, got.SecurityTags)
	assert.True(t, m.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, m.Tenant, got.Tenant)
}

func TestDecodeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, decodeTags(`["a","b"]`))
	assert.Equal(t, []string{"a", "b"}, decodeTags("a,b"))
	assert.Equal(t, []string{}, decodeTags(""))
}

func TestBuildPgQuery(t *testing.T) {
	sql, args := buildPgQuery("governed_rag", QueryRequest{
		Vector: []float32{0.1, 0.2},
		TopK:   5,
		Filter: testFilter(),
	})

	assert.Contains(t, sql, `1 - (embedding <=> $1) AS score`)
	assert.Contains(t, sql, `FROM "governed_rag"`)
	assert.Contains(t, sql, `WHERE security_tags && $2 AND security_tags && $3`)
	assert.Contains(t, sql, `ORDER BY embedding <=> $1 LIMIT $4`)
	assert.NotContains(t, sql, ", embedding FROM")

	require.Len(t, args, 4)
	assert.Equal(t, pgvector.NewVector([]float32{0.1, 0.2}), args[0])
	assert.Equal(t, []string{"classification:public", "classification:internal"}, args[1])
	assert.Equal(t, []string{"role:engineering"}, args[2])
	assert.Equal(t, 5, args[3])
}

func TestBuildPgQuery_NoFilterIncludeVector(t *testing.T) {
	sql, args := buildPgQuery("idx", QueryRequest{Vector: []float32{1}, TopK: 3, IncludeVector: true})
	assert.NotContains(t, sql, "WHERE")
	assert.Contains(t, sql, ", embedding FROM")
	assert.Contains(t, sql, "LIMIT $2")
	assert.Len(t, args, 2)
}

func TestCreateTableSQL(t *testing.T) {
	stmts := createTableSQL("governed_rag", 384)
	require.Len(t, stmts, 5)
	assert.Equal(t, "CREATE EXTENSION IF NOT EXISTS vector", stmts[0])
	assert.Contains(t, stmts[1], "embedding vector(384) NOT NULL")
	assert.Contains(t, stmts[3], "USING GIN (security_tags)")
	assert.Contains(t, stmts[4], "vector_cosine_ops")
}

func TestBuildRedisQuery(t *testing.T) {
	q := buildRedisQuery(testFilter(), 5)
	assert.Equal(t,
		`(@security_tags:{classification\:public|classification\:internal} @security_tags:{role\:engineering})=>[KNN 5 @vector $vec AS score]`,
		q)
	assert.Equal(t, "*=>[KNN 3 @vector $vec AS score]", buildRedisQuery(Filter{}, 3))
}

func TestEscapeTagValue(t *testing.T) {
	assert.Equal(t, `tenant\:acme\.eu`, escapeTagValue("tenant:acme.eu"))
	assert.Equal(t, `a\ b\-c`, escapeTagValue("a b-c"))
	assert.Equal(t, "plain", escapeTagValue("plain"))
}

func TestRedisVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	b := encodeVector(v)
	assert.Len(t, b, 12)
	assert.Equal(t, v, decodeVector(b))
}

func TestCreateIndexArgs(t *testing.T) {
	args := createIndexArgs("governed_rag", 384)
	assert.Equal(t, "FT.CREATE", args[0])
	assert.Contains(t, args, "governed_rag:")
	assert.Contains(t, args, "384")
	assert.Contains(t, args, "COSINE")
	assert.Contains(t, args, "SEPARATOR")
}

func TestParseSearchReply(t *testing.T) {
	reply := []any{
		int64(2),
		"governed_rag:id-1", []any{
			"score", "0.25",
			"text", "first",
			"doc_id", "doc-1",
			"chunk_index", "3",
			"security_tags", "role:hr,classification:internal",
		},
		"governed_rag:id-2", []any{
			"score", "0.5",
			"text", "second",
			"security_tags", "role:public",
		},
	}
	results, err := parseSearchReply(reply, "governed_rag:", false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "id-1", results[0].ID)
	assert.InDelta(t, 0.75, results[0].Score, 1e-6)
	assert.Equal(t, "first", results[0].Metadata.Text)
	assert.Equal(t, 3, results[0].Metadata.ChunkIndex)
	assert.Equal(t, []string{"role:hr", "classification:internal"}, results[0].Metadata.SecurityTags)
	assert.InDelta(t, 0.5, results[1].Score, 1e-6)

	_, err = parseSearchReply("oops", "p:", false)
	assert.Error(t, err)
}

func TestParseKeyReply(t *testing.T) {
	assert.Equal(t, []string{"governed_rag:a", "governed_rag:b"},
		parseKeyReply([]any{int64(2), "governed_rag:a", "governed_rag:b"}))
	assert.Empty(t, parseKeyReply([]any{int64(0)}))
	assert.Empty(t, parseKeyReply("unexpected"))
}

func TestDeleteInPages_RemovesEveryPage(t *testing.T) {
	stored := make(map[string]bool)
	for i := 0; i < 12000; i++ {
		stored[fmt.Sprintf("governed_rag:%d", i)] = true
	}
	search := func(context.Context) ([]string, error) {
		var keys []string
		for k := range stored {
			if len(keys) == deleteScanSize {
				break
			}
			keys = append(keys, k)
		}
		return keys, nil
	}
	var delCalls int
	del := func(_ context.Context, keys []string) error {
		delCalls++
		for _, k := range keys {
			delete(stored, k)
		}
		return nil
	}

	deleted, err := deleteInPages(context.Background(), search, del)
	require.NoError(t, err)
	assert.Equal(t, 12000, deleted)
	assert.Equal(t, 2, delCalls)
	assert.Empty(t, stored)
}

func TestDeleteInPages_StopsWhenKeysSurvive(t *testing.T) {
	search := func(context.Context) ([]string, error) { return []string{"governed_rag:stuck"}, nil }
	del := func(context.Context, []string) error { return nil }

	deleted, err := deleteInPages(context.Background(), search, del)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remain after delete")
	assert.Equal(t, 1, deleted)
}

func TestIsUnknownIndex(t *testing.T) {
	assert.False(t, isUnknownIndex(assert.AnError))
	assert.True(t, isUnknownIndex(errString("Unknown Index name")))
	assert.True(t, isUnknownIndex(errString("governed_rag: no such index")))
}

type errString string

func (e errString) Error() string { return string(e) }

// fakeQdrant records requests and replays canned responses.
type fakeQdrant struct {
	exists      bool
	created     *qdrant.CreateCollection
	fieldIdx    []string
	upserted    *qdrant.UpsertPoints
	upsertErr   error
	upsertCalls int
	lastQuery   *qdrant.QueryPoints
	deleted     *qdrant.DeletePoints
	points      []*qdrant.ScoredPoint
	queryErrs   []error
	queryCalls  int
	healthError error
}

func (f *fakeQdrant) CollectionExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.created = req
	return nil
}

func (f *fakeQdrant) CreateFieldIndex(_ context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error) {
	f.fieldIdx = append(f.fieldIdx, req.FieldName)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserted = req
	f.upsertCalls++
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.lastQuery = req
	f.queryCalls++
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		return nil, err
	}
	return f.points, nil
}

func (f *fakeQdrant) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	f.deleted = req
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, f.healthError
}

func (f *fakeQdrant) Close() error { return nil }

func newFakeQdrantStore(f *fakeQdrant) *QdrantStore {
	return newQdrantStoreWithClient(f, QdrantConfig{
		Retry: retry.Policy{MaxAttempts: 3, Kind: retry.Fixed, Delay: time.Millisecond},
	}, nil)
}

func TestQdrantStore_CreateIndex(t *testing.T) {
	f := &fakeQdrant{}
	s := newFakeQdrantStore(f)

	require.NoError(t, s.CreateIndex(context.Background(), "governed_rag", 384))
	require.NotNil(t, f.created)
	params := f.created.GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(384), params.GetSize())
	assert.Equal(t, qdrant.Distance_Cosine, params.GetDistance())
	assert.Equal(t, []string{"security_tags", "doc_id"}, f.fieldIdx)

	f2 := &fakeQdrant{exists: true}
	require.NoError(t, newFakeQdrantStore(f2).CreateIndex(context.Background(), "governed_rag", 384))
	assert.Nil(t, f2.created)
}

func TestQdrantStore_UpsertPayload(t *testing.T) {
	f := &fakeQdrant{}
	s := newFakeQdrantStore(f)

	ids, err := s.Upsert(context.Background(), "governed_rag", []Record{{
		ID:     "not-a-uuid",
		Vector: []float32{1, 0},
		Metadata: Metadata{
			Text: "t", DocID: "doc-1", ChunkIndex: 2,
			SecurityTags: []string{"role:hr", "classification:internal"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEqual(t, "not-a-uuid", ids[0])

	p := f.upserted.GetPoints()[0]
	assert.Equal(t, ids[0], p.GetId().GetUuid())
	assert.Equal(t, int64(2), p.GetPayload()["chunk_index"].GetIntegerValue())
	assert.Len(t, p.GetPayload()["security_tags"].GetListValue().GetValues(), 2)
	assert.True(t, f.upserted.GetWait())
}

func TestQdrantStore_UpsertIsAttemptedOnce(t *testing.T) {
	f := &fakeQdrant{upsertErr: status.Error(codes.Unavailable, "down")}
	s := newFakeQdrantStore(f)

	_, err := s.Upsert(context.Background(), "governed_rag", []Record{{
		Vector:   []float32{1, 0},
		Metadata: Metadata{Text: "t", DocID: "doc-1"},
	}})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
	assert.Equal(t, 1, f.upsertCalls)
}

func TestQdrantStore_QueryTranslatesFilterAndNormalizes(t *testing.T) {
	meta := Metadata{
		Text: "chunk", DocID: "doc-1", ChunkIndex: 4,
		SecurityTags: []string{"role:engineering", "classification:internal"},
		Timestamp:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f := &fakeQdrant{points: []*qdrant.ScoredPoint{{
		Id:      qdrant.NewIDUUID("11111111-1111-1111-1111-111111111111"),
		Score:   0.87,
		Payload: qdrantPayload(meta),
	}}}
	s := newFakeQdrantStore(f)

	results, err := s.Query(context.Background(), "governed_rag", QueryRequest{
		Vector: []float32{1, 0},
		TopK:   5,
		Filter: testFilter(),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", results[0].ID)
	assert.InDelta(t, 0.87, results[0].Score, 1e-6)
	assert.Equal(t, meta.SecurityTags, results[0].Metadata.SecurityTags)
	assert.Equal(t, 4, results[0].Metadata.ChunkIndex)
	assert.True(t, meta.Timestamp.Equal(results[0].Metadata.Timestamp))

	must := f.lastQuery.GetFilter().GetMust()
	require.Len(t, must, 2)
	first := must[0].GetField()
	assert.Equal(t, "security_tags", first.GetKey())
	assert.Equal(t, []string{"classification:public", "classification:internal"}, first.GetMatch().GetKeywords().GetStrings())
	assert.Equal(t, "role:engineering", must[1].GetField().GetMatch().GetKeyword())
	assert.Equal(t, uint64(5), f.lastQuery.GetLimit())
}

func TestQdrantStore_QueryRetriesTransientErrors(t *testing.T) {
	f := &fakeQdrant{queryErrs: []error{status.Error(codes.Unavailable, "down")}}
	s := newFakeQdrantStore(f)

	_, err := s.Query(context.Background(), "governed_rag", QueryRequest{Vector: []float32{1}, TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, f.queryCalls)
}

func TestQdrantStore_QueryMissingCollection(t *testing.T) {
	f := &fakeQdrant{queryErrs: []error{status.Error(codes.NotFound, "no collection")}}
	s := newFakeQdrantStore(f)

	_, err := s.Query(context.Background(), "governed_rag", QueryRequest{Vector: []float32{1}, TopK: 1})
	assert.ErrorIs(t, err, ErrIndexNotFound)
	assert.Equal(t, 1, f.queryCalls)
}

func TestQdrantStore_DeleteByDocID(t *testing.T) {
	f := &fakeQdrant{}
	s := newFakeQdrantStore(f)

	require.NoError(t, s.DeleteByDocID(context.Background(), "governed_rag", "doc-9"))
	cond := f.deleted.GetPoints().GetFilter().GetMust()[0].GetField()
	assert.Equal(t, "doc_id", cond.GetKey())
	assert.Equal(t, "doc-9", cond.GetMatch().GetKeyword())
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(status.Error(codes.Unavailable, "")))
	assert.True(t, IsTransientError(status.Error(codes.ResourceExhausted, "")))
	assert.False(t, IsTransientError(status.Error(codes.InvalidArgument, "")))
	assert.False(t, IsTransientError(nil))
}

func TestOpenResilientChromemDB_QuarantinesCollectionWithoutMetadata(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "abcdef12")
	require.NoError(t, os.MkdirAll(broken, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(broken, "deadbeef.gob"), []byte("x"), 0o600))

	corrupt, err := findCorruptCollections(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"abcdef12"}, corrupt)

	assert.True(t, isValidCollectionHash("abcdef12"))
	assert.False(t, isValidCollectionHash("../etc"))
}
