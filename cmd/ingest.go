package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/docloop/docloop/internal/ingest"
	"github.com/docloop/docloop/internal/vectordb"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [glob...]",
	Short: "Index documentation files into the knowledge base",
	Long: `Chunks and embeds documentation files so they can be retrieved as
answer context. Accepts doublestar globs, e.g.:

  docloop ingest "docs/**/*.md" README.md`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		exitOnError(runIngest(args))
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(patterns []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	embedder, err := createEmbedderFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openVectorStore(ctx, cfg, embedder)
	if err != nil {
		return err
	}

	files, err := expandGlobs(patterns)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files matched %v", patterns)
	}

	processor := ingest.NewProcessor(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap, cfg.Ingest.MaxChunksPerDoc)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Indexing"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	totalChunks := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		var docs []vectordb.Document
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".markdown":
			docs = processor.ProcessMarkdown(string(data), path)
		default:
			docs = processor.ProcessText(string(data), path)
		}

		if err := store.AddChunks(ctx, docs); err != nil {
			return fmt.Errorf("indexing %s: %w", path, err)
		}
		totalChunks += len(docs)
		bar.Add(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	if err := store.Persist(ctx, cfg.DataDir); err != nil {
		return fmt.Errorf("persisting vector store: %w", err)
	}

	fmt.Printf("Indexed %d chunks from %d files (%d chunks total in store)\n",
		totalChunks, len(files), store.ChunkCount())
	return nil
}

// expandGlobs resolves doublestar patterns and plain paths to a
// deduplicated file list.
func expandGlobs(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var files []string

	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, pattern := range patterns {
		if info, err := os.Stat(pattern); err == nil && !info.IsDir() {
			add(pattern)
			continue
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				add(m)
			}
		}
	}
	return files, nil
}
