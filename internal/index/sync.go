package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coderift/semcode/internal/embedpool"
	"github.com/coderift/semcode/internal/scanner"
	"github.com/coderift/semcode/internal/store"
)

// FileEmbedder is the subset of *embedpool.Pool a SyncEngine depends on.
// Defined as an interface so tests can substitute a fake that never spawns
// a real worker process.
type FileEmbedder interface {
	ProcessFile(ctx context.Context, relPath, absPath string) (*embedpool.ProcessFileResult, error)
}

// SyncConfig configures one SyncEngine.Run invocation.
type SyncConfig struct {
	// DryRun computes the delta but writes nothing to the store.
	DryRun bool

	// BatchLimit is the write-buffer size that triggers a flush; defaults
	// to the worker pool's embed batch size (16) when zero.
	BatchLimit int

	// Concurrency bounds how many files are dispatched to the worker pool
	// at once; defaults to the pool's worker count when zero.
	Concurrency int

	// Progress is called after each file reaches a terminal state.
	Progress func(SyncProgress)
}

// SyncProgress reports incremental sync status; counters are valid even
// when the run is cancelled mid-stream.
type SyncProgress struct {
	Processed       int
	Indexed         int
	TotalCandidates int
}

// SyncResult is returned when a sync run ends.
type SyncResult struct {
	Processed   int
	Indexed     int
	Total       int
	FailedFiles []string
}

// fileState is the per-file lifecycle label: unseen -> meta-hit (skip) or
// candidate -> written/failed.
type fileState int

const (
	stateUnseen fileState = iota
	stateMetaHit
	stateCandidate
	stateWritten
	stateFailed
)

// SyncEngine drives an incremental index run directly against the embedding
// worker pool: discovery -> staleness decision -> worker dispatch ->
// batched store writes -> stale deletion. Unlike Runner, which routes
// through a single in-process embed.Embedder, SyncEngine calls
// FileEmbedder.ProcessFile once per candidate file and lets the worker do
// its own chunking, embedding, and skeletonizing.
type SyncEngine struct {
	root      string
	projectID string

	scanner  *scanner.Scanner
	pool     FileEmbedder
	metadata store.MetadataStore
	vector   store.VectorStore
	bm25     store.BM25Index
}

// NewSyncEngine constructs a SyncEngine rooted at root.
func NewSyncEngine(root string, sc *scanner.Scanner, pool FileEmbedder, metadata store.MetadataStore, vector store.VectorStore, bm25 store.BM25Index) (*SyncEngine, error) {
	if sc == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("embedding worker pool is required")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if vector == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if bm25 == nil {
		return nil, fmt.Errorf("BM25 index is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &SyncEngine{
		root:      abs,
		projectID: projectID(abs),
		scanner:   sc,
		pool:      pool,
		metadata:  metadata,
		vector:    vector,
		bm25:      bm25,
	}, nil
}

// projectID derives the stable project identifier from its absolute root
// path, matching the convention used throughout internal/store.
func projectID(absRoot string) string {
	h := sha256.Sum256([]byte(absRoot))
	return hex.EncodeToString(h[:])[:16]
}

func fileID(relPath string) string {
	h := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(h[:])[:16]
}

// candidate is a file that must be dispatched to the worker pool.
type candidate struct {
	relPath string
	absPath string
}

// fileOutcome is one worker response, paired with the candidate it answers
// and any error, passed from dispatch goroutines to the single writer.
type fileOutcome struct {
	relPath string
	result  *embedpool.ProcessFileResult
	err     error
}

// Run executes one incremental sync against the project root.
func (e *SyncEngine) Run(ctx context.Context, cfg SyncConfig, cancel <-chan struct{}) (*SyncResult, error) {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	// Step 1: learn the store's current file set.
	storePaths, err := e.metadata.GetFilePathsByProject(ctx, e.projectID)
	if err != nil {
		return nil, fmt.Errorf("list store paths: %w", err)
	}
	storeSet := make(map[string]bool, len(storePaths))
	for _, p := range storePaths {
		storeSet[p] = true
	}

	results, scanErr := e.scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          e.root,
		RespectGitignore: true,
	})
	if scanErr != nil {
		return nil, fmt.Errorf("scan: %w", scanErr)
	}

	seen := make(map[string]bool)
	var candidates []candidate
	var failedFiles []string

	// Step 2: per file, decide skip vs candidate using the meta cache
	// folded into the metadata store (File rows keyed by path).
	for sr := range results {
		if sr.Error != nil {
			slog.Warn("scan error, file skipped this run", "error", sr.Error)
			continue
		}
		f := sr.File
		seen[f.Path] = true

		existing, err := e.metadata.GetFileByPath(ctx, e.projectID, f.Path)
		if err != nil {
			slog.Warn("meta lookup failed, treating as candidate", "path", f.Path, "error", err)
			candidates = append(candidates, candidate{relPath: f.Path, absPath: f.AbsPath})
			continue
		}
		if existing != nil && existing.Size == f.Size && existing.ModTime.Equal(f.ModTime) {
			// 2a: meta hit on (mtime, size) -- skip entirely.
			continue
		}
		// 2b/2c: mtime or size drifted (or file is new); the worker
		// re-hashes when it reads the file, so the exact "hash unchanged"
		// case is resolved after ProcessFile returns, not here.
		candidates = append(candidates, candidate{relPath: f.Path, absPath: f.AbsPath})
	}

	total := len(candidates)

	// Step 3: dispatch candidates to the worker pool, global concurrency
	// bounded to the worker count.
	outcomes := make(chan fileOutcome, cfg.Concurrency*2)
	go func() {
		defer close(outcomes)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Concurrency)
	dispatch:
		for _, c := range candidates {
			select {
			case <-cancel:
				// Stop scheduling new work, but in-flight tasks already
				// dispatched via g.Go must still be waited on below so we
				// never close outcomes while a goroutine might send on it.
				break dispatch
			default:
			}
			c := c
			g.Go(func() error {
				res, err := e.pool.ProcessFile(gctx, c.relPath, c.absPath)
				outcomes <- fileOutcome{relPath: c.relPath, result: res, err: err}
				return nil
			})
		}
		_ = g.Wait()
	}()

	var (
		processed, indexed int
		pendingPaths       []string
		pendingRecords     []fileWrite
	)

	flush := func() error {
		if len(pendingPaths) == 0 {
			return nil
		}
		if cfg.DryRun {
			pendingPaths = pendingPaths[:0]
			pendingRecords = pendingRecords[:0]
			return nil
		}
		if err := e.writeBatch(ctx, pendingPaths, pendingRecords); err != nil {
			return err
		}
		indexed += len(pendingPaths)
		pendingPaths = pendingPaths[:0]
		pendingRecords = pendingRecords[:0]
		return nil
	}

	bufferedRecords := 0
	for oc := range outcomes {
		processed++
		if oc.err != nil {
			slog.Warn("process_file failed, file skipped this run", "path", oc.relPath, "error", oc.err)
			failedFiles = append(failedFiles, oc.relPath)
		} else if oc.result.ShouldDelete {
			// Binary/rejected file: ensure no stale rows linger for it.
			pendingPaths = append(pendingPaths, oc.relPath)
		} else {
			existing, lookupErr := e.metadata.GetFileByPath(ctx, e.projectID, oc.relPath)
			if lookupErr == nil && existing != nil && existing.ContentHash == oc.result.Hash {
				// Step 2b resolved post-hoc: mtime/size drifted but content
				// didn't. Refresh meta only, no re-index.
				if !cfg.DryRun {
					if err := e.refreshMetaOnly(ctx, oc.relPath, oc.result); err != nil {
						slog.Warn("meta refresh failed", "path", oc.relPath, "error", err)
					}
				}
			} else {
				pendingPaths = append(pendingPaths, oc.relPath)
				pendingRecords = append(pendingRecords, fileWrite{relPath: oc.relPath, result: oc.result})
				bufferedRecords += len(oc.result.Records)
			}
		}

		if cfg.Progress != nil {
			cfg.Progress(SyncProgress{Processed: processed, Indexed: indexed, TotalCandidates: total})
		}

		if bufferedRecords >= cfg.BatchLimit {
			if err := flush(); err != nil {
				return nil, fmt.Errorf("batch write failed, sync aborted: %w", err)
			}
			bufferedRecords = 0
		}
	}

	if err := flush(); err != nil {
		return nil, fmt.Errorf("final batch write failed, sync aborted: %w", err)
	}

	// Step 5: delete files present in the store but not seen this run.
	var stale []string
	for p := range storeSet {
		if !seen[p] {
			stale = append(stale, p)
		}
	}
	if len(stale) > 0 && !cfg.DryRun {
		if err := e.deletePaths(ctx, stale); err != nil {
			return nil, fmt.Errorf("stale deletion failed: %w", err)
		}
	}

	return &SyncResult{
		Processed:   processed,
		Indexed:     indexed,
		Total:       total,
		FailedFiles: failedFiles,
	}, nil
}

type fileWrite struct {
	relPath string
	result  *embedpool.ProcessFileResult
}

// writeBatch flushes in delete-then-insert-then-meta order,
// in that order, so an interrupted sync never leaves a meta entry pointing
// at a revision whose rows were never committed.
func (e *SyncEngine) writeBatch(ctx context.Context, paths []string, writes []fileWrite) error {
	if err := e.deletePaths(ctx, paths); err != nil {
		return fmt.Errorf("delete prior rows: %w", err)
	}

	now := timeNow()
	var files []*store.File
	var chunks []*store.Chunk
	var vecIDs []string
	var vecs [][]float32
	var docs []*store.Document

	for _, w := range writes {
		fid := fileID(w.relPath)
		files = append(files, &store.File{
			ID:          fid,
			ProjectID:   e.projectID,
			Path:        w.relPath,
			Size:        w.result.Size,
			ModTime:     msToTime(w.result.MtimeMS),
			ContentHash: w.result.Hash,
			IndexedAt:   now,
		})
		for _, rec := range w.result.Records {
			c := recordToChunk(fid, w.relPath, rec, now)
			chunks = append(chunks, c)
			vecIDs = append(vecIDs, c.ID)
			vecs = append(vecs, rec.Vector)
			docs = append(docs, &store.Document{ID: c.ID, Content: c.Content, Path: c.FilePath})
		}
	}

	if len(files) > 0 {
		if err := e.metadata.SaveFiles(ctx, files); err != nil {
			return fmt.Errorf("save files: %w", err)
		}
	}
	if len(chunks) > 0 {
		if err := e.metadata.SaveChunks(ctx, chunks); err != nil {
			return fmt.Errorf("save chunks: %w", err)
		}
		if err := e.vector.Add(ctx, vecIDs, vecs); err != nil {
			return fmt.Errorf("vector add: %w", err)
		}
		if err := e.bm25.Index(ctx, docs); err != nil {
			return fmt.Errorf("bm25 index: %w", err)
		}
	}
	return nil
}

// refreshMetaOnly handles the case where mtime/size drifted but the
// re-hashed content matches the stored revision, so only the File row's
// mtime/size are refreshed; no chunks are touched.
func (e *SyncEngine) refreshMetaOnly(ctx context.Context, relPath string, result *embedpool.ProcessFileResult) error {
	existing, err := e.metadata.GetFileByPath(ctx, e.projectID, relPath)
	if err != nil || existing == nil {
		return err
	}
	existing.Size = result.Size
	existing.ModTime = msToTime(result.MtimeMS)
	return e.metadata.SaveFiles(ctx, []*store.File{existing})
}

// deletePaths removes a path's file row (cascading to its chunks) plus the
// corresponding vector and BM25 entries. Caller batches up to 500 paths at
// a time; a project sync's per-flush batch is already
// bounded by BatchLimit records, far under that cap.
func (e *SyncEngine) deletePaths(ctx context.Context, paths []string) error {
	const maxPerCall = 500
	for start := 0; start < len(paths); start += maxPerCall {
		end := start + maxPerCall
		if end > len(paths) {
			end = len(paths)
		}
		batch := paths[start:end]

		var chunkIDs []string
		for _, p := range batch {
			f, err := e.metadata.GetFileByPath(ctx, e.projectID, p)
			if err != nil {
				return err
			}
			if f == nil {
				continue
			}
			existingChunks, err := e.metadata.GetChunksByFile(ctx, f.ID)
			if err != nil {
				return err
			}
			for _, c := range existingChunks {
				chunkIDs = append(chunkIDs, c.ID)
			}
			if err := e.metadata.DeleteFile(ctx, f.ID); err != nil {
				return err
			}
		}
		if len(chunkIDs) > 0 {
			if err := e.vector.Delete(ctx, chunkIDs); err != nil {
				return err
			}
			if err := e.bm25.Delete(ctx, chunkIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func recordToChunk(fileID, relPath string, rec embedpool.VectorRecord, now time.Time) *store.Chunk {
	return &store.Chunk{
		ID:                rec.ChunkID,
		FileID:            fileID,
		FilePath:          relPath,
		Content:           rec.Content,
		RawContent:        rec.DisplayText,
		Context:           rec.Context,
		ContentType:       store.ContentTypeCode,
		StartLine:         rec.StartLine,
		EndLine:           rec.EndLine,
		ChunkIndex:        rec.ChunkIndex,
		IsAnchor:          rec.IsAnchor,
		Colbert:           bytesToInt8(rec.ColbertPacked),
		ColbertDim:        len(rec.ColbertPacked) / maxInt(rec.ColbertTokens, 1),
		ColbertScale:      rec.ColbertScale,
		ColbertTokens:     rec.ColbertTokens,
		PooledColbert48D:  rec.PooledColbert48D,
		Role:              rec.Role,
		ParentSymbol:      rec.ParentSymbol,
		FileSkeleton:      rec.FileSkeleton,
		DefinedSymbols:    rec.DefinedSymbols,
		ReferencedSymbols: rec.ReferencedSyms,
		Imports:           rec.Imports,
		Exports:           rec.Exports,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func bytesToInt8(b []byte) []int8 {
	if b == nil {
		return nil
	}
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func timeNow() time.Time {
	return time.Now()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
