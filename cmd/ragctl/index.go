package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/securerag/internal/indexing"
	"github.com/fyrsmithlabs/securerag/internal/services"
)

// documentFlags are shared by index and plan.
type documentFlags struct {
	manifest       string
	docID          string
	classification string
	roles          []string
	tenant         string
	source         string
	chunkSize      int
}

var docFlags documentFlags

// indexableExtensions are picked up when walking a directory.
var indexableExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".html": true, ".htm": true,
}

func init() {
	for _, c := range []*cobra.Command{indexCmd, planCmd} {
		c.Flags().StringVar(&docFlags.manifest, "manifest", "", "JSON file with a list of documents (filePath, docId, classification, allowedRoles, tenant)")
		c.Flags().StringVar(&docFlags.docID, "doc-id", "", "document ID (single file only; default: path relative to the argument)")
		c.Flags().StringVarP(&docFlags.classification, "classification", "c", "internal", "classification: public, internal, confidential or restricted")
		c.Flags().StringSliceVarP(&docFlags.roles, "roles", "r", nil, "roles allowed to read the documents")
		c.Flags().StringVarP(&docFlags.tenant, "tenant", "t", "", "owning tenant (default: auth.default_tenant)")
		c.Flags().StringVar(&docFlags.source, "source", "", "source label shown in query results (default: file name)")
		c.Flags().IntVar(&docFlags.chunkSize, "chunk-size", 0, "chunk size override (0 derives it from document length)")
	}
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(planCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index [file|dir]...",
	Short: "Index documents with access controls",
	Long: `Read, chunk, embed and store documents together with their security tags.

Directories are walked for .txt, .md, .markdown, .html and .htm files.
Re-indexing a document ID replaces its previous vectors.

Examples:
  # Index an internal handbook readable by engineering
  ragctl index -c internal -r engineering.viewer ./handbook

  # Index a single confidential file under an explicit ID
  ragctl index -c confidential -r hr.admin --doc-id salaries-2026 salaries.md

  # Index from a manifest
  ragctl index --manifest documents.json`,
	RunE: runIndex,
}

var planCmd = &cobra.Command{
	Use:   "plan [file|dir]...",
	Short: "Estimate the cost of indexing documents",
	Long: `Sample the documents and estimate chunk counts, batches, duration and
memory without writing anything.

Examples:
  ragctl plan ./handbook
  ragctl plan --json --manifest documents.json`,
	RunE: runPlan,
}

func runIndex(cmd *cobra.Command, args []string) error {
	inputs, err := collectInputs(docFlags, args)
	if err != nil {
		return err
	}
	return withRegistry(cmd.Context(), func(reg services.Registry) error {
		batch := indexDocuments(cmd.Context(), reg, inputs, cmd.OutOrStdout())
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), batch); err != nil {
				return err
			}
		} else {
			printBatch(cmd.OutOrStdout(), batch)
		}
		if batch.Failed > 0 {
			return fmt.Errorf("%d of %d documents failed", batch.Failed, batch.Total)
		}
		return nil
	})
}

func runPlan(cmd *cobra.Command, args []string) error {
	inputs, err := collectInputs(docFlags, args)
	if err != nil {
		return err
	}
	return withRegistry(cmd.Context(), func(reg services.Registry) error {
		plan, err := reg.Indexer().Plan(cmd.Context(), inputs)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), plan)
		}
		printPlan(cmd.OutOrStdout(), plan)
		return nil
	})
}

// indexDocuments runs the batch, printing one progress line per document
// unless JSON output is requested. Documents without a tenant are owned by
// the default tenant, matching credentials that carry none.
func indexDocuments(ctx context.Context, reg services.Registry, inputs []indexing.DocumentInput, w io.Writer) *indexing.BatchResult {
	if cfg := reg.Config(); cfg != nil {
		for i := range inputs {
			if strings.TrimSpace(inputs[i].Tenant) == "" {
				inputs[i].Tenant = cfg.Auth.DefaultTenant
			}
		}
	}

	var progress indexing.ProgressFunc
	if !jsonOutput {
		progress = func(p indexing.Progress) {
			fmt.Fprintf(w, "[%d/%d] %s %s\n", p.Completed, p.Total, p.DocID, p.Status)
		}
	}
	return reg.Indexer().ProcessDocuments(ctx, inputs, progress)
}

// collectInputs turns a manifest and/or path arguments into document inputs.
func collectInputs(f documentFlags, args []string) ([]indexing.DocumentInput, error) {
	var inputs []indexing.DocumentInput

	if f.manifest != "" {
		docs, err := readManifest(f.manifest)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, docs...)
	}

	var paths []foundPath
	for _, arg := range args {
		found, err := expandPath(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	if f.docID != "" && len(paths) != 1 {
		return nil, fmt.Errorf("--doc-id requires exactly one file, got %d", len(paths))
	}
	for _, p := range paths {
		id := f.docID
		if id == "" {
			id = p.docID
		}
		inputs = append(inputs, indexing.DocumentInput{
			FilePath:       p.path,
			DocID:          id,
			Classification: f.classification,
			AllowedRoles:   f.roles,
			Tenant:         f.tenant,
			Source:         f.source,
			ChunkSize:      f.chunkSize,
		})
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("no documents given: pass files, directories or --manifest")
	}
	return inputs, nil
}

// readManifest loads a JSON list of documents. Relative file paths resolve
// against the manifest's directory.
func readManifest(path string) ([]indexing.DocumentInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var docs []indexing.DocumentInput
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range docs {
		if docs[i].FilePath != "" && !filepath.IsAbs(docs[i].FilePath) {
			docs[i].FilePath = filepath.Join(base, docs[i].FilePath)
		}
	}
	return docs, nil
}

type foundPath struct {
	path  string
	docID string
}

// expandPath returns arg itself for a file, or the indexable files below it
// for a directory. Directory entries get IDs relative to arg.
func expandPath(arg string) ([]foundPath, error) {
	info, err := os.Stat(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", arg, err)
	}
	if !info.IsDir() {
		return []foundPath{{path: arg, docID: filepath.Base(arg)}}, nil
	}

	var found []foundPath
	err = filepath.WalkDir(arg, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != arg && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !indexableExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		rel, err := filepath.Rel(arg, p)
		if err != nil {
			return err
		}
		found = append(found, foundPath{path: p, docID: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", arg, err)
	}
	return found, nil
}

func printBatch(w io.Writer, b *indexing.BatchResult) {
	fmt.Fprintf(w, "\nIndexed %d/%d documents in %s\n", b.Succeeded, b.Total, b.Duration.Round(time.Millisecond))
	for _, r := range b.Results {
		switch r.Status {
		case indexing.StatusCompleted:
			fmt.Fprintf(w, "  ok    %s  chunks=%d batches=%d version=%s\n", r.DocID, r.Chunks, r.Batches, r.VersionID)
		default:
			fmt.Fprintf(w, "  FAIL  %s  stage=%s: %s\n", r.DocID, r.FailedStage, r.Error)
		}
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "        warning: %s\n", warn)
		}
	}
}

func printPlan(w io.Writer, p *indexing.Plan) {
	fmt.Fprintf(w, "Documents:            %d (sampled %d, unreadable %d)\n", p.Documents, p.Sampled, p.Unreadable)
	fmt.Fprintf(w, "Avg chunks/document:  %.1f\n", p.AvgChunksPerDoc)
	fmt.Fprintf(w, "Avg tokens/chunk:     %d\n", p.AvgTokensPerChunk)
	fmt.Fprintf(w, "Estimated chunks:     %d\n", p.EstimatedChunks)
	fmt.Fprintf(w, "Embedding batches:    %d\n", p.EmbeddingBatches)
	fmt.Fprintf(w, "Storage batches:      %d\n", p.StorageBatches)
	fmt.Fprintf(w, "Estimated duration:   %s\n", p.EstimatedDuration.Round(time.Second))
	fmt.Fprintf(w, "Estimated memory:     %.1f MB\n", p.EstimatedMemoryMB)
	for _, r := range p.Recommendations {
		fmt.Fprintf(w, "  - %s\n", r)
	}
}
