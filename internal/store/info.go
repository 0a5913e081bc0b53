package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EmbedderInfoInput describes the currently-configured embedder. The
// caller passes it in so this package carries no dependency on the
// embedder factory.
type EmbedderInfoInput struct {
	Model      string
	Backend    string
	Dimensions int
}

// GetIndexInfo assembles the `semcode index info` report: the embedding
// configuration recorded at index time, project statistics, on-disk sizes,
// and compatibility with the currently-configured embedder.
func GetIndexInfo(ctx context.Context, metadata MetadataStore, dataDir string, current *EmbedderInfoInput) (*IndexInfo, error) {
	root := filepath.Dir(dataDir)
	info := &IndexInfo{
		Location:    dataDir,
		ProjectRoot: root,
	}

	// Embedding configuration recorded when the index was built.
	model, err := metadata.GetState(ctx, StateKeyIndexModel)
	if err != nil {
		return nil, fmt.Errorf("read index model: %w", err)
	}
	info.IndexModel = model
	info.IndexBackend = inferBackendFromModel(model)
	if dimStr, err := metadata.GetState(ctx, StateKeyIndexDimension); err == nil && dimStr != "" {
		if dim, convErr := strconv.Atoi(dimStr); convErr == nil {
			info.IndexDimensions = dim
		}
	}

	// Project statistics, keyed by the root-path hash used at index time.
	h := sha256.Sum256([]byte(root))
	projectID := hex.EncodeToString(h[:])[:16]
	if project, err := metadata.GetProject(ctx, projectID); err == nil && project != nil {
		info.ChunkCount = project.ChunkCount
		info.DocumentCount = project.FileCount
		info.UpdatedAt = project.IndexedAt
	}

	// On-disk sizes. BM25 may be either the SQLite file or a bleve
	// directory depending on the configured backend; count whichever
	// exists.
	info.BM25SizeBytes = fileSize(filepath.Join(dataDir, "bm25.db")) +
		fileSize(filepath.Join(dataDir, "bm25.db-wal")) +
		getDirSize(filepath.Join(dataDir, "bm25.bleve"))
	info.VectorSizeBytes = fileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.IndexSizeBytes = info.BM25SizeBytes + info.VectorSizeBytes +
		fileSize(filepath.Join(dataDir, "metadata.db"))

	// Timestamps fall back to filesystem metadata when the project row
	// predates stats tracking.
	if fi, err := os.Stat(dataDir); err == nil {
		info.CreatedAt = fi.ModTime()
	}
	if info.UpdatedAt.IsZero() {
		if fi, err := os.Stat(filepath.Join(dataDir, "metadata.db")); err == nil {
			info.UpdatedAt = fi.ModTime()
		}
	}

	// Compatibility with the currently-configured embedder.
	if current != nil {
		info.CurrentModel = current.Model
		info.CurrentBackend = current.Backend
		info.CurrentDimensions = current.Dimensions
		info.Compatible = info.IndexDimensions == 0 ||
			current.Dimensions == info.IndexDimensions
	}

	return info, nil
}

// inferBackendFromModel guesses the embedder backend from a stored model
// name, for indexes written before the backend was recorded explicitly.
func inferBackendFromModel(model string) string {
	switch {
	case model == "static" || model == "static768":
		return "static"
	case strings.HasPrefix(model, "/"):
		// Local model paths are how MLX models are referenced.
		return "mlx"
	case containsAny(model, []string{"mlx-community/", "mlx-"}):
		return "mlx"
	default:
		return "ollama"
	}
}

// containsAny reports whether s contains any of the given substrings.
func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// fileSize returns a single file's size, 0 if it does not exist.
func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return 0
	}
	return fi.Size()
}

// getDirSize returns the total size of all files under path, 0 on error.
func getDirSize(path string) int64 {
	var size int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// FormatBytes renders a byte count as a human-readable size.
func FormatBytes(bytes int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case bytes < kb:
		return fmt.Sprintf("%d B", bytes)
	case bytes < mb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kb)
	case bytes < gb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mb)
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gb)
	}
}

// FormatTime renders a timestamp for the info report; the zero time reads
// as "unknown" rather than the epoch.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
