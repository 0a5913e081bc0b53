package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/store"
)

// DebugInfo is the machine-readable form of `semcode debug`: one snapshot
// of everything a bug report needs about the local index.
type DebugInfo struct {
	IndexPath   string `json:"index_path"`
	ProjectRoot string `json:"project_root"`

	FileCount  int       `json:"file_count"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`

	Languages map[string]float64 `json:"languages,omitempty"`

	EmbedderProvider string `json:"embedder_provider"`
	EmbedderModel    string `json:"embedder_model"`
	IndexModel       string `json:"index_model,omitempty"`
	IndexDimensions  int    `json:"index_dimensions,omitempty"`

	BM25Backend   string `json:"bm25_backend"`
	BM25SizeBytes int64  `json:"bm25_size_bytes"`

	VectorExists    bool  `json:"vector_exists"`
	VectorSizeBytes int64 `json:"vector_size_bytes"`

	MetadataSizeBytes int64 `json:"metadata_size_bytes"`
	TotalSizeBytes    int64 `json:"total_size_bytes"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print index diagnostics for bug reports",
		Long: `Print a diagnostic snapshot of the local index: file and chunk
counts, language breakdown, embedder configuration, and on-disk sizes.

Attach the output (ideally --json) when reporting indexing or search
problems.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := config.FindProjectRoot(".")
			if err != nil {
				root, _ = os.Getwd()
			}

			dataDir := filepath.Join(root, ".semcode")
			metadataPath := filepath.Join(dataDir, "metadata.db")
			if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
				return fmt.Errorf("no index found. Run 'semcode index' first")
			}

			info, err := collectDebugInfo(cmd.Context(), root, dataDir)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printDebugInfo(cmd, info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// collectDebugInfo gathers the snapshot from the metadata store, the
// loaded config, and the on-disk index files.
func collectDebugInfo(ctx context.Context, root, dataDir string) (*DebugInfo, error) {
	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	info := &DebugInfo{
		IndexPath:   dataDir,
		ProjectRoot: root,
		BM25Backend: cfg.Search.BM25Backend,
	}

	// Project statistics.
	if project, err := metadata.GetProject(ctx, hashString(root)); err == nil && project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.IndexedAt = project.IndexedAt
	}

	// Language breakdown by file extension.
	if paths, err := metadata.GetFilePathsByProject(ctx, hashString(root)); err == nil && len(paths) > 0 {
		counts := make(map[string]int)
		for _, p := range paths {
			ext := strings.TrimPrefix(filepath.Ext(p), ".")
			if ext == "" {
				continue
			}
			counts[normalizeExtension(ext)]++
		}
		if len(counts) > 0 {
			info.Languages = make(map[string]float64, len(counts))
			total := 0
			for _, n := range counts {
				total += n
			}
			for lang, n := range counts {
				info.Languages[lang] = float64(n) / float64(total)
			}
		}
	}

	// Embedder configuration. Provider reads as "auto" when the config
	// leaves it to platform detection.
	info.EmbedderProvider = cfg.Embeddings.Provider
	if info.EmbedderProvider == "" {
		info.EmbedderProvider = "auto"
	}
	info.EmbedderModel = cfg.Embeddings.Model

	// What the index itself was built with, if recorded.
	if model, err := metadata.GetState(ctx, store.StateKeyIndexModel); err == nil {
		info.IndexModel = model
	}
	if dim, err := metadata.GetState(ctx, store.StateKeyIndexDimension); err == nil && dim != "" {
		info.IndexDimensions, _ = strconv.Atoi(dim)
	}

	// On-disk sizes.
	info.BM25SizeBytes = fileSizeOrZero(filepath.Join(dataDir, "bm25.db")) +
		getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	info.VectorSizeBytes = fileSizeOrZero(vectorPath)
	info.VectorExists = info.VectorSizeBytes > 0
	info.MetadataSizeBytes = fileSizeOrZero(metadataPath)
	info.TotalSizeBytes = info.BM25SizeBytes + info.VectorSizeBytes + info.MetadataSizeBytes

	return info, nil
}

// printDebugInfo renders the human-readable report.
func printDebugInfo(cmd *cobra.Command, info *DebugInfo) {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "SemCode Debug Info")
	fmt.Fprintln(out, "==================")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Project: %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "Index:   %s\n", info.IndexPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & CHUNKS")
	fmt.Fprintf(out, "  Files:     %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Chunks:    %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(out, "  Indexed:   %s\n", formatAge(info.IndexedAt))
	fmt.Fprintf(out, "  Languages: %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:    %s\n", info.EmbedderModel)
	if info.IndexModel != "" {
		fmt.Fprintf(out, "  Index built with: %s (%d dims)\n", info.IndexModel, info.IndexDimensions)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BM25 INDEX")
	fmt.Fprintf(out, "  Backend: %s\n", info.BM25Backend)
	fmt.Fprintf(out, "  Size:    %s\n", store.FormatBytes(info.BM25SizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Present: %v\n", info.VectorExists)
	fmt.Fprintf(out, "  Size:    %s\n", store.FormatBytes(info.VectorSizeBytes))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Metadata: %s\n", store.FormatBytes(info.MetadataSizeBytes))
	fmt.Fprintf(out, "  Total:    %s\n", store.FormatBytes(info.TotalSizeBytes))
}

// fileSizeOrZero returns a file's size, 0 when absent.
func fileSizeOrZero(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return 0
	}
	return fi.Size()
}

// formatAge renders a timestamp relative to now ("3 hours ago").
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		minutes := int(age.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case age < 24*time.Hour:
		hours := int(age.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(age.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber renders an int with thousands separators.
func formatNumber(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}

	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// formatLanguages renders a share map as "go (50%), ts (30%)", sorted by
// share descending.
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if langs[names[i]] != langs[names[j]] {
			return langs[names[i]] > langs[names[j]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s (%d%%)", name, int(math.Round(langs[name]*100))))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension folds extension variants onto one language label.
func normalizeExtension(ext string) string {
	switch ext {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return ext
	}
}
