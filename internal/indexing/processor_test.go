package indexing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/securerag/internal/chunking"
	"github.com/fyrsmithlabs/securerag/internal/embeddings"
	"github.com/fyrsmithlabs/securerag/internal/retry"
	"github.com/fyrsmithlabs/securerag/internal/storage"
	"github.com/fyrsmithlabs/securerag/internal/vectorstore"
)

const testIndex = "governed_rag"

type recordedEvent struct {
	tenant, event string
}

type fakeSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeSink) PublishIndexEvent(_ context.Context, tenant, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{tenant, event})
	return nil
}

func (f *fakeSink) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.event
	}
	return out
}

// noDeleteStore hides DeleteByDocID support.
type noDeleteStore struct {
	vectorstore.Store
}

func (noDeleteStore) DeleteByDocID(context.Context, string, string) error {
	return vectorstore.ErrDeleteUnsupported
}

type harness struct {
	svc   *Service
	store vectorstore.Store
	sink  *fakeSink
	dir   string
}

func newHarness(t *testing.T, wrap func(vectorstore.Store) vectorstore.Store, mutate func(*Options)) *harness {
	t.Helper()
	mem, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	var store vectorstore.Store = mem
	if wrap != nil {
		store = wrap(store)
	}

	opts := Options{Index: testIndex, DeleteStale: true}
	if mutate != nil {
		mutate(&opts)
	}

	sink := &fakeSink{}
	svc := NewService(
		chunking.NewService(nil, nil),
		embeddings.NewService(embeddings.NewHashProvider(64), embeddings.BatchOptions{Size: 50, Delay: 0}, nil),
		storage.NewService(store, storage.Options{
			Retry: retry.Policy{MaxAttempts: 1, Kind: retry.Fixed},
		}, nil),
		sink,
		opts,
		nil,
	)
	return &harness{svc: svc, store: store, sink: sink, dir: t.TempDir()}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (h *harness) docVectors(t *testing.T, docID string) []vectorstore.Result {
	t.Helper()
	vec, err := embeddings.NewHashProvider(64).EmbedQuery(context.Background(), "anything")
	require.NoError(t, err)
	results, err := h.store.Query(context.Background(), testIndex, vectorstore.QueryRequest{
		Vector: vec,
		TopK:   1000,
	})
	require.NoError(t, err)
	var out []vectorstore.Result
	for _, r := range results {
		if r.Metadata.DocID == docID {
			out = append(out, r)
		}
	}
	return out
}

func words(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "word%d ", i)
	}
	return b.String()
}

func TestProcessDocument_Completed(t *testing.T) {
	h := newHarness(t, nil, nil)
	path := h.write(t, "handbook.md", words(400))

	res := h.svc.ProcessDocument(context.Background(), DocumentInput{
		FilePath:       path,
		DocID:          "handbook",
		Classification: "internal",
		AllowedRoles:   []string{"engineering.viewer"},
		Tenant:         "acme",
	})

	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Greater(t, res.Chunks, 1)
	assert.Equal(t, 1, res.Batches)
	assert.NotEmpty(t, res.VersionID)
	assert.Empty(t, res.Warnings)
	assert.Positive(t, res.ProcessingTime)

	stored := h.docVectors(t, "handbook")
	require.Len(t, stored, res.Chunks)
	for _, r := range stored {
		assert.Equal(t, res.VersionID, r.Metadata.VersionID)
		assert.Equal(t, "handbook.md", r.Metadata.Source)
		assert.Equal(t, "internal", r.Metadata.Classification)
		assert.Equal(t, "acme", r.Metadata.Tenant)
		assert.ElementsMatch(t, []string{
			"classification:internal", "role:engineering.viewer", "role:employee", "tenant:acme",
		}, r.Metadata.SecurityTags)
	}
	assert.Equal(t, []string{"started", "completed"}, h.sink.names())
}

func TestProcessDocument_Failures(t *testing.T) {
	h := newHarness(t, nil, nil)
	empty := h.write(t, "empty.txt", "   \n\t ")

	tests := []struct {
		name  string
		in    DocumentInput
		stage Status
		err   error
	}{
		{"missing file", DocumentInput{FilePath: filepath.Join(h.dir, "nope.txt"), DocID: "a", Classification: "public"}, StatusReading, ErrNotFound},
		{"blank file", DocumentInput{FilePath: empty, DocID: "b", Classification: "public"}, StatusReading, ErrEmptyDocument},
		{"bad classification", DocumentInput{FilePath: empty, DocID: "c", Classification: "secret"}, StatusReading, ErrInvalidInput},
		{"missing doc id", DocumentInput{FilePath: empty, Classification: "public"}, StatusReading, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.svc.ProcessDocument(context.Background(), tt.in)
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.stage, res.FailedStage)
			assert.ErrorIs(t, res.Err(), tt.err)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestProcessDocument_ReindexReplacesVectors(t *testing.T) {
	h := newHarness(t, nil, nil)
	path := h.write(t, "policy.txt", words(300))
	in := DocumentInput{FilePath: path, DocID: "policy", Classification: "public"}

	first := h.svc.ProcessDocument(context.Background(), in)
	require.Equal(t, StatusCompleted, first.Status, first.Error)
	second := h.svc.ProcessDocument(context.Background(), in)
	require.Equal(t, StatusCompleted, second.Status, second.Error)

	stored := h.docVectors(t, "policy")
	assert.Len(t, stored, second.Chunks)
	for _, r := range stored {
		assert.Equal(t, second.VersionID, r.Metadata.VersionID)
	}
}

func TestProcessDocument_DeleteUnsupportedAccumulates(t *testing.T) {
	h := newHarness(t, func(s vectorstore.Store) vectorstore.Store { return noDeleteStore{s} }, nil)
	path := h.write(t, "policy.txt", words(300))
	in := DocumentInput{FilePath: path, DocID: "policy", Classification: "public"}

	first := h.svc.ProcessDocument(context.Background(), in)
	require.Equal(t, StatusCompleted, first.Status)
	second := h.svc.ProcessDocument(context.Background(), in)
	require.Equal(t, StatusCompleted, second.Status)

	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "previous vectors")
	assert.Len(t, h.docVectors(t, "policy"), first.Chunks+second.Chunks)
}

func TestProcessDocument_LargeDocumentWarning(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.LargeDocumentChunks = 3
		o.Chunking.MaxSize = 16
	})
	path := h.write(t, "big.txt", words(200))

	res := h.svc.ProcessDocument(context.Background(), DocumentInput{FilePath: path, DocID: "big", Classification: "public"})
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "processing may take longer")
}

func TestProcessDocument_HTMLConvertedBeforeChunking(t *testing.T) {
	h := newHarness(t, nil, nil)
	path := h.write(t, "page.html", "<html><body><h1>Benefits</h1><p>Dental and vision coverage.</p></body></html>")

	res := h.svc.ProcessDocument(context.Background(), DocumentInput{FilePath: path, DocID: "page", Classification: "public"})
	require.Equal(t, StatusCompleted, res.Status, res.Error)

	stored := h.docVectors(t, "page")
	require.NotEmpty(t, stored)
	assert.NotContains(t, stored[0].Metadata.Text, "<p>")
	assert.Contains(t, stored[0].Metadata.Text, "Dental and vision coverage.")
}

func TestProcessDocuments_OrderAndIsolation(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.ProgressEvery = 2 })
	inputs := []DocumentInput{
		{FilePath: h.write(t, "a.txt", words(50)), DocID: "a", Classification: "public"},
		{FilePath: filepath.Join(h.dir, "missing.txt"), DocID: "b", Classification: "public"},
		{FilePath: h.write(t, "c.txt", words(50)), DocID: "c", Classification: "internal", AllowedRoles: []string{"hr.viewer"}},
	}

	var progress []Progress
	out := h.svc.ProcessDocuments(context.Background(), inputs, func(p Progress) { progress = append(progress, p) })

	require.Len(t, out.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{out.Results[0].DocID, out.Results[1].DocID, out.Results[2].DocID})
	assert.Equal(t, StatusCompleted, out.Results[0].Status)
	assert.Equal(t, StatusFailed, out.Results[1].Status)
	assert.Equal(t, StatusCompleted, out.Results[2].Status)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)

	require.Len(t, progress, 3)
	for i, p := range progress {
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 3, p.Total)
	}
	assert.Equal(t, 1, progress[2].Failed)

	// progress events at the 2nd document and at the end
	progressEvents := 0
	for _, n := range h.sink.names() {
		if n == "progress" {
			progressEvents++
		}
	}
	assert.Equal(t, 2, progressEvents)
}

func TestProcessDocuments_CancelledContext(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.svc.ProcessDocuments(ctx, []DocumentInput{
		{FilePath: h.write(t, "a.txt", "hello"), DocID: "a", Classification: "public"},
	}, nil)
	require.Len(t, out.Results, 1)
	assert.Equal(t, StatusFailed, out.Results[0].Status)
	assert.True(t, errors.Is(out.Results[0].Err(), context.Canceled))
}

func TestChunkOptions(t *testing.T) {
	h := newHarness(t, nil, nil)

	assert.Equal(t, 128, h.svc.chunkOptions(DocumentInput{}, 500).MaxSize)
	assert.Equal(t, 1024, h.svc.chunkOptions(DocumentInput{}, 20_000).MaxSize)
	assert.Equal(t, 64, h.svc.chunkOptions(DocumentInput{ChunkSize: 64}, 20_000).MaxSize)

	h.svc.opts.Chunking = chunking.Options{Strategy: chunking.CharacterStrategy}
	assert.Equal(t, 512, h.svc.chunkOptions(DocumentInput{}, 500).MaxSize)
}

func TestPlan(t *testing.T) {
	h := newHarness(t, nil, nil)
	var inputs []DocumentInput
	for i := 0; i < 8; i++ {
		inputs = append(inputs, DocumentInput{
			FilePath:       h.write(t, fmt.Sprintf("d%d.txt", i), words(300)),
			DocID:          fmt.Sprintf("d%d", i),
			Classification: "public",
		})
	}
	inputs = append(inputs, DocumentInput{FilePath: filepath.Join(h.dir, "gone.txt"), DocID: "gone"})

	plan, err := h.svc.Plan(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, 9, plan.Documents)
	assert.Equal(t, 5, plan.Sampled)
	assert.Equal(t, 0, plan.Unreadable)
	assert.Greater(t, plan.AvgChunksPerDoc, 1.0)
	assert.Equal(t, int(math.Ceil(plan.AvgChunksPerDoc*9)), plan.EstimatedChunks)
	assert.Equal(t, 9, plan.StorageBatches)
	assert.Positive(t, plan.EstimatedDuration)
	assert.NotEmpty(t, plan.Recommendations)

	// Planning never writes.
	_, err = h.store.Query(context.Background(), testIndex, vectorstore.QueryRequest{Vector: []float32{1}, TopK: 1})
	assert.ErrorIs(t, err, vectorstore.ErrIndexNotFound)
}

func TestPlan_UnreadableSample(t *testing.T) {
	h := newHarness(t, nil, nil)
	plan, err := h.svc.Plan(context.Background(), []DocumentInput{{FilePath: filepath.Join(h.dir, "x.txt"), DocID: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Unreadable)
	assert.Contains(t, plan.Recommendations[0], "none of the sampled documents")

	_, err = h.svc.Plan(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadDocument(dir)
	assert.ErrorIs(t, err, ErrInvalidInput)

	bin := filepath.Join(dir, "blob.txt")
	require.NoError(t, os.WriteFile(bin, []byte{0xff, 0xfe, 0x00}, 0o600))
	_, err = ReadDocument(bin)
	assert.Error(t, err)

	md := filepath.Join(dir, "notes.MD")
	require.NoError(t, os.WriteFile(md, []byte("# Title\nbody"), 0o600))
	text, err := ReadDocument(md)
	require.NoError(t, err)
	assert.Equal(t, "# Title\nbody", text)

}
