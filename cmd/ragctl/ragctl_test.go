package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/securerag/internal/config"
	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/query"
	"github.com/fyrsmithlabs/securerag/internal/rbac"
	"github.com/fyrsmithlabs/securerag/internal/services"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "ragctl-secret"
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Dimension = 64
	cfg.Embeddings.BatchDelay = 0
	cfg.VectorStore.Provider = "chromem"
	cfg.VectorStore.Chromem.Path = ""
	return cfg
}

func buildRegistry(t *testing.T) services.Registry {
	t.Helper()
	reg, closeFn, err := services.Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return reg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCollectInputs_WalksDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "intro.md"), "intro")
	writeFile(t, filepath.Join(dir, "policies", "leave.html"), "<p>leave</p>")
	writeFile(t, filepath.Join(dir, "policies", "image.png"), "png")
	writeFile(t, filepath.Join(dir, ".git", "notes.txt"), "hidden")

	inputs, err := collectInputs(documentFlags{
		classification: "internal",
		roles:          []string{"hr.viewer"},
		tenant:         "acme",
	}, []string{dir})
	require.NoError(t, err)
	require.Len(t, inputs, 2)

	ids := []string{inputs[0].DocID, inputs[1].DocID}
	assert.ElementsMatch(t, []string{"intro.md", "policies/leave.html"}, ids)
	for _, in := range inputs {
		assert.Equal(t, "internal", in.Classification)
		assert.Equal(t, []string{"hr.viewer"}, in.AllowedRoles)
		assert.Equal(t, "acme", in.Tenant)
	}
}

func TestCollectInputs_DocIDNeedsSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "b.txt"), "b")

	_, err := collectInputs(documentFlags{docID: "x"}, []string{dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one file")

	inputs, err := collectInputs(documentFlags{docID: "x"}, []string{filepath.Join(dir, "a.txt")})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "x", inputs[0].DocID)
}

func TestCollectInputs_Manifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "docs.json")
	docs := []indexing.DocumentInput{
		{FilePath: "guide.md", DocID: "guide", Classification: "public"},
		{FilePath: "/abs/path.md", DocID: "abs", Classification: "internal"},
	}
	raw, err := json.Marshal(docs)
	require.NoError(t, err)
	writeFile(t, manifest, string(raw))

	inputs, err := collectInputs(documentFlags{manifest: manifest}, nil)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, filepath.Join(dir, "guide.md"), inputs[0].FilePath)
	assert.Equal(t, "/abs/path.md", inputs[1].FilePath)
}

func TestCollectInputs_Errors(t *testing.T) {
	_, err := collectInputs(documentFlags{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no documents given")

	_, err = collectInputs(documentFlags{}, []string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, bad, "{not json")
	_, err = collectInputs(documentFlags{manifest: bad}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")
}

func TestIndexThenQuery(t *testing.T) {
	reg := buildRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "salaries.md"), "Salary bands for level five engineers are reviewed every spring by HR.")
	writeFile(t, filepath.Join(dir, "laptops.md"), "Request a laptop through the IT portal before your start date.")

	confidential, err := collectInputs(documentFlags{
		classification: "confidential",
		roles:          []string{"hr.admin"},
	}, []string{filepath.Join(dir, "salaries.md")})
	require.NoError(t, err)
	public, err := collectInputs(documentFlags{classification: "public"}, []string{filepath.Join(dir, "laptops.md")})
	require.NoError(t, err)

	var progress bytes.Buffer
	batch := indexDocuments(ctx, reg, append(confidential, public...), &progress)
	require.Equal(t, 2, batch.Succeeded, batch.Results)
	assert.Contains(t, progress.String(), "[1/2] salaries.md completed")
	assert.Contains(t, progress.String(), "[2/2] laptops.md completed")

	ask := func(p principalFlags) *query.Response {
		authz, err := authorize(ctx, reg.Auth(), p)
		require.NoError(t, err)
		floor := -1.0
		resp, err := reg.Query().Query(ctx, query.Request{
			Question:      "salary bands for engineers",
			Filter:        authz.Filter,
			MinSimilarity: &floor,
		})
		require.NoError(t, err)
		return resp
	}
	docIDs := func(resp *query.Response) []string {
		var ids []string
		for _, c := range resp.Contexts {
			ids = append(ids, c.DocID)
		}
		return ids
	}

	assert.ElementsMatch(t, []string{"salaries.md", "laptops.md"},
		docIDs(ask(principalFlags{subject: "alice", roles: []string{"hr.admin"}, stepUp: true})))
	assert.Equal(t, []string{"laptops.md"},
		docIDs(ask(principalFlags{subject: "bob", roles: []string{"hr.admin"}})))
	assert.Equal(t, []string{"laptops.md"},
		docIDs(ask(principalFlags{subject: "anon"})))

	var out bytes.Buffer
	printContexts(&out, ask(principalFlags{subject: "anon"}), 10)
	assert.Contains(t, out.String(), "1. laptops.md (public)")
	assert.Contains(t, out.String(), "Request a ...")
}

func TestAuthorize_ExplicitToken(t *testing.T) {
	reg := buildRegistry(t)
	ctx := context.Background()

	token, err := issueToken(reg.Auth(), principalFlags{
		subject: "carol",
		roles:   []string{"finance.viewer"},
		tenant:  "acme",
		ttl:     time.Minute,
	})
	require.NoError(t, err)

	authz, err := authorize(ctx, reg.Auth(), principalFlags{token: token, roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, "carol", authz.Claims.Subject)
	assert.Contains(t, authz.Filter.AllowTags, "role:finance.viewer")
	assert.Contains(t, authz.Filter.AllowTags, "tenant:acme")
	assert.NotContains(t, authz.Filter.AllowTags, "role:admin")
	assert.Equal(t, rbac.Internal, authz.Filter.MaxClassification)

	_, err = authorize(ctx, reg.Auth(), principalFlags{token: "not-a-token"})
	require.Error(t, err)
}

func TestPrintBatchAndPlan(t *testing.T) {
	var out bytes.Buffer
	printBatch(&out, &indexing.BatchResult{
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Results: []indexing.DocumentResult{
			{DocID: "a", Status: indexing.StatusCompleted, Chunks: 3, Batches: 1, VersionID: "v1", Warnings: []string{"large"}},
			{DocID: "b", Status: indexing.StatusFailed, FailedStage: indexing.StatusReading, Error: "document not found"},
		},
	})
	assert.Contains(t, out.String(), "Indexed 1/2 documents")
	assert.Contains(t, out.String(), "ok    a  chunks=3 batches=1 version=v1")
	assert.Contains(t, out.String(), "warning: large")
	assert.Contains(t, out.String(), "FAIL  b  stage=reading: document not found")

	out.Reset()
	printPlan(&out, &indexing.Plan{
		Documents:       10,
		Sampled:         5,
		EstimatedChunks: 40,
		Recommendations: []string{"use batches"},
	})
	assert.Contains(t, out.String(), "Documents:            10 (sampled 5, unreadable 0)")
	assert.Contains(t, out.String(), "Estimated chunks:     40")
	assert.Contains(t, out.String(), "  - use batches")
}

func TestBuildRolesReport(t *testing.T) {
	reg := buildRegistry(t)

	report := buildRolesReport(context.Background(), reg.Roles(), []string{"engineering.admin"}, "acme", false)
	assert.Equal(t, []string{"engineering.admin", "engineering.viewer", "employee", "public"}, report.ExpandedRoles)
	assert.Contains(t, report.AllowTags, "tenant:acme")
	assert.Equal(t, rbac.Internal, report.MaxClassification)
	assert.Contains(t, report.Summary, "confidential requires step-up")

	var out bytes.Buffer
	listRoles(&out, reg.Roles().Hierarchy())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, len(reg.Roles().Hierarchy().Roles()))
	assert.Contains(t, out.String(), "hr.admin")
	assert.Contains(t, out.String(), "inherits hr.viewer")
}

func TestRolesCommand_JSON(t *testing.T) {
	t.Setenv("SECURERAG_EMBEDDINGS_PROVIDER", "hash")
	t.Setenv("SECURERAG_EMBEDDINGS_DIMENSION", "32")
	t.Setenv("SECURERAG_VECTORSTORE_PROVIDER", "chromem")
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	t.Cleanup(func() {
		configPath = ""
		jsonOutput = false
		rolesStepUp = false
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"roles", "--json", "--step-up", "hr.admin"})
	require.NoError(t, rootCmd.Execute())

	var report RolesReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, []string{"hr.admin"}, report.Roles)
	assert.Equal(t, rbac.Confidential, report.MaxClassification)
	assert.Contains(t, report.AllowTags, "role:hr.viewer")
}

func TestRunHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","vectorStore":"chromem"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	t.Cleanup(func() {
		serverURL = "http://localhost:9090"
		healthCmd.SetOut(nil)
	})

	var out bytes.Buffer
	healthCmd.SetOut(&out)
	healthCmd.SetContext(context.Background())
	require.NoError(t, runHealth(healthCmd, nil))
	assert.Contains(t, out.String(), "Status: healthy")
	assert.Contains(t, out.String(), "Vector store: chromem")
}

func TestRunHealth_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","error":"store down"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	t.Cleanup(func() {
		serverURL = "http://localhost:9090"
		healthCmd.SetOut(nil)
	})

	var out bytes.Buffer
	healthCmd.SetOut(&out)
	healthCmd.SetContext(context.Background())
	err := runHealth(healthCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, out.String(), "Error: store down")
}
