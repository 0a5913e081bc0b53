package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coderift/semcode/internal/chunk"
	"github.com/coderift/semcode/internal/scanner"
	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
	"github.com/coderift/semcode/internal/watcher"
)

// maxWatchedFileSize caps single-file re-indexing from watch events; a
// file this large is data, not code, whatever its extension says.
const maxWatchedFileSize int64 = 10 << 20 // 10 MiB

// Reconciler keeps a live index current as files change: watcher events
// map to per-file reindex/drop operations, and an ignore-rule change
// triggers one full rescan-and-diff pass instead of guessing which files
// it affected.
type Reconciler struct {
	root      string
	projectID string
	engine    *search.Engine
	metadata  store.MetadataStore
	scanner   *scanner.Scanner
	exclude   []string
	maxSize   int64

	code     chunk.Chunker
	markdown chunk.Chunker

	// One reconcile pass at a time; overlapping passes would interleave
	// delete/index calls for the same paths.
	mu sync.Mutex
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// RootPath is the absolute project root.
	RootPath string

	// Engine indexes and deletes chunks.
	Engine *search.Engine

	// Metadata tracks file and chunk rows.
	Metadata store.MetadataStore

	// Scanner is used for the full-rescan path and for invalidating its
	// gitignore matcher cache when ignore rules change. Optional; without
	// it, ignore-rule changes only take effect on the next full index.
	Scanner *scanner.Scanner

	// ExcludePatterns mirror the configured scan exclusions.
	ExcludePatterns []string

	// MaxFileSize overrides the per-file size cap when positive.
	MaxFileSize int64
}

// NewReconciler builds a Reconciler with its own chunkers.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = maxWatchedFileSize
	}
	return &Reconciler{
		root:      cfg.RootPath,
		projectID: projectID(cfg.RootPath),
		engine:    cfg.Engine,
		metadata:  cfg.Metadata,
		scanner:   cfg.Scanner,
		exclude:   cfg.ExcludePatterns,
		maxSize:   maxSize,
		code:      chunk.NewCodeChunker(),
		markdown:  chunk.NewMarkdownChunker(),
	}
}

// Apply processes one debounced batch of watcher events. Per-file
// failures are logged and skipped; the batch never fails as a whole.
func (r *Reconciler) Apply(ctx context.Context, events []watcher.FileEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	fullResync := false

	for _, event := range events {
		if event.IsDir {
			continue
		}

		var err error
		switch event.Operation {
		case watcher.OpCreate, watcher.OpModify:
			err = r.reindexFile(ctx, event.Path)
		case watcher.OpDelete:
			err = r.dropFile(ctx, event.Path)
		case watcher.OpGitignoreChange, watcher.OpConfigChange:
			// The set of indexable files changed in a way no single event
			// describes; diff the whole tree once after this batch.
			fullResync = true
		default:
			continue
		}
		if err != nil {
			slog.Warn("reconcile event failed",
				slog.String("path", event.Path),
				slog.String("error", err.Error()))
			continue
		}
		applied++
	}

	if fullResync {
		if r.scanner != nil {
			r.scanner.InvalidateGitignoreCache()
		}
		if err := r.Resync(ctx); err != nil {
			slog.Warn("full resync failed", slog.String("error", err.Error()))
		} else {
			applied++
		}
	}

	if applied > 0 {
		if err := r.metadata.RefreshProjectStats(ctx, r.projectID); err != nil {
			slog.Warn("failed to refresh project stats", slog.String("error", err.Error()))
		}
	}
	return nil
}

// reindexFile replaces a file's chunks with freshly-chunked content.
func (r *Reconciler) reindexFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(r.root, relPath)

	info, err := os.Lstat(absPath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.Size() == 0 || info.Size() > r.maxSize {
		return nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if hasNullByte(content) {
		return nil
	}

	language := scanner.DetectLanguage(relPath)
	chunker := r.chunkerFor(scanner.DetectContentType(language))
	if chunker == nil {
		return nil
	}

	// Old revision's chunks go first so a re-save never doubles up.
	if err := r.dropFile(ctx, relPath); err != nil {
		return err
	}

	chunks, err := chunker.Chunk(ctx, &chunk.FileInput{
		Path:     relPath,
		Content:  content,
		Language: language,
	})
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	fileID := watchedFileID(r.projectID, relPath)
	file := &store.File{
		ID:          fileID,
		ProjectID:   r.projectID,
		Path:        relPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentHash: contentDigest(content),
		Language:    language,
		ContentType: string(scanner.DetectContentType(language)),
	}
	if err := r.metadata.SaveFiles(ctx, []*store.File{file}); err != nil {
		return fmt.Errorf("save file record: %w", err)
	}

	rows := make([]*store.Chunk, len(chunks))
	for i, ch := range chunks {
		rows[i] = &store.Chunk{
			ID:          ch.ID,
			FileID:      fileID,
			FilePath:    relPath,
			Content:     ch.Content,
			RawContent:  ch.DisplayText,
			Context:     strings.Join(ch.Context, "\n"),
			ContentType: store.ContentType(scanner.DetectContentType(language)),
			Language:    ch.Language,
			StartLine:   ch.StartLine,
			EndLine:     ch.EndLine,
		}
	}
	if err := r.engine.Index(ctx, rows); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	return nil
}

// chunkerFor picks the chunker for a content type; text and config files
// are not indexed incrementally.
func (r *Reconciler) chunkerFor(ct scanner.ContentType) chunk.Chunker {
	switch ct {
	case scanner.ContentTypeCode:
		return r.code
	case scanner.ContentTypeMarkdown:
		return r.markdown
	}
	return nil
}

// dropFile removes a file's chunks and its file row.
func (r *Reconciler) dropFile(ctx context.Context, relPath string) error {
	fileID := watchedFileID(r.projectID, relPath)

	chunks, err := r.metadata.GetChunksByFile(ctx, fileID)
	if err != nil {
		return nil // not indexed
	}

	if len(chunks) > 0 {
		ids := make([]string, len(chunks))
		for i, ch := range chunks {
			ids[i] = ch.ID
		}
		if err := r.engine.Delete(ctx, ids); err != nil {
			return fmt.Errorf("delete from index: %w", err)
		}
	}

	if err := r.metadata.DeleteFile(ctx, fileID); err != nil {
		slog.Debug("file record delete failed",
			slog.String("path", relPath),
			slog.String("error", err.Error()))
	}
	return nil
}

// Resync diffs the scanner's current view against the indexed file set:
// new and changed files are re-indexed, vanished ones dropped. Used after
// ignore-rule changes and on startup after downtime.
func (r *Reconciler) Resync(ctx context.Context) error {
	if r.scanner == nil {
		return fmt.Errorf("resync requires a scanner")
	}

	results, err := r.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          r.root,
		RespectGitignore: true,
		ExcludePatterns:  r.exclude,
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	current := make(map[string]*scanner.FileInfo)
	for sr := range results {
		if sr.Error != nil || sr.File == nil {
			continue
		}
		current[sr.File.Path] = sr.File
	}

	indexed, err := r.metadata.GetFilesForReconciliation(ctx, r.projectID)
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}

	for path, fi := range current {
		prev, ok := indexed[path]
		if ok && prev.Size == fi.Size && prev.ModTime.Equal(fi.ModTime) {
			continue
		}
		if err := r.reindexFile(ctx, path); err != nil {
			slog.Warn("resync reindex failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	for path := range indexed {
		if _, ok := current[path]; ok {
			continue
		}
		if err := r.dropFile(ctx, path); err != nil {
			slog.Warn("resync drop failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}

	return nil
}

// watchedFileID derives the file-row key the incremental path uses,
// scoped by project so multi-project daemons never collide.
func watchedFileID(projectID, relPath string) string {
	h := sha256.Sum256([]byte(projectID + ":" + relPath))
	return hex.EncodeToString(h[:])[:16]
}

// contentDigest hashes file content for change detection.
func contentDigest(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// hasNullByte reports whether the leading bytes contain a null, the
// binary-file rejection used on the watch path.
func hasNullByte(content []byte) bool {
	probe := content
	if len(probe) > 1024 {
		probe = probe[:1024]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}

// GitignoreHashKey is the state key recording the ignore-rule fingerprint
// at the end of the last full index.
const GitignoreHashKey = "gitignore_hash"

// ComputeGitignoreHash fingerprints every .gitignore in the project:
// files sorted by path, each contributing "path:content". A changed
// fingerprint on startup means ignore rules moved while nothing was
// watching.
func ComputeGitignoreHash(rootPath string) (string, error) {
	var paths []string
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == rootPath {
				return nil
			}
			name := d.Name()
			if name == "" || name[0] == '.' || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".gitignore" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		relPath, _ := filepath.Rel(rootPath, path)
		h.Write([]byte(relPath))
		h.Write([]byte(":"))
		h.Write(content)
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
