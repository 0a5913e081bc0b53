package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coderift/semcode/internal/embed"
	"github.com/coderift/semcode/internal/store"
)

// Engine drives one project's retrieval pipeline. A query is encoded once,
// keyword and dense searches run in parallel, their lists are fused by
// reciprocal rank, and the fused candidates are optionally reranked before
// enrichment and filtering.
type Engine struct {
	bm25     store.BM25Index
	vector   store.VectorStore
	embedder embed.Embedder
	metadata store.MetadataStore
	config   EngineConfig
	reranker Reranker
	mu       sync.RWMutex
}

// Ensure Engine implements SearchEngine interface.
var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// ErrDimensionMismatch is returned when query embedding dimension doesn't match index dimension.
// Clear error message when embedder changed (e.g., Ollama -> Static768 fallback).
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Qwen3QueryInstruction is the instruction prefix for Qwen3 embedding queries.
// Per Qwen3 documentation: queries require instruction prefix for optimal retrieval.
// Documents are embedded without instruction; queries need task-specific prefix.
// See: https://huggingface.co/Qwen/Qwen3-Embedding-0.6B
const Qwen3QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets that answer the query\nQuery:"

// formatQueryForEmbedding formats a query with Qwen3 instruction prefix.
func formatQueryForEmbedding(query string) string {
	return Qwen3QueryInstruction + query
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithReranker sets an optional reranker applied to the fused candidate
// list before enrichment. A rerank failure never fails the request; the
// fused order stands.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) {
		e.reranker = r
	}
}

// NewEngine creates a hybrid search engine. Every dependency is required.
func NewEngine(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		metadata: metadata,
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// New creates a new hybrid search engine with the given dependencies.
// Deprecated: Use NewEngine instead. This function panics on nil dependencies.
func New(
	bm25 store.BM25Index,
	vector store.VectorStore,
	embedder embed.Embedder,
	metadata store.MetadataStore,
	config EngineConfig,
	opts ...EngineOption,
) *Engine {
	e, err := NewEngine(bm25, vector, embedder, metadata, config, opts...)
	if err != nil {
		panic("search.New: " + err.Error())
	}
	return e
}

// Search runs the full retrieval pipeline for one query. The keyword-only
// path is taken when the caller asks for it or when the loaded embedder's
// dimensions no longer match the index (degraded, never an error).
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	opts = e.applyDefaults(opts)

	keywordOnly := opts.BM25Only
	dimMismatch := false
	if !keywordOnly {
		if err := e.validateDimensions(ctx); err != nil {
			slog.Warn("dimension mismatch detected, semantic search disabled",
				slog.String("error", err.Error()),
				slog.String("recovery", "semcode index --reset"))
			keywordOnly = true
			dimMismatch = true
		}
	}

	// Fetch twice the requested limit from each list so fusion has
	// candidates to promote; the final truncation happens after filtering.
	candidateLimit := opts.Limit * 2

	pathPrefix := singleScopePrefix(opts.Scopes)

	var keyword []*store.BM25Result
	var dense []*store.VectorResult
	if keywordOnly {
		var err error
		keyword, err = e.keywordSearch(ctx, query, pathPrefix, candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("keyword search failed: %w", err)
		}
	} else {
		var err error
		keyword, dense, err = e.parallelSearch(ctx, query, pathPrefix, candidateLimit)
		if err != nil && keyword == nil && dense == nil {
			return nil, err
		}
	}

	weights := *opts.Weights
	if opts.BM25Only {
		weights = Weights{BM25: 1.0}
	}
	fused := fuseRRF(keyword, dense, weights, e.config.RRFConstant)
	fused = e.rerankResults(ctx, query, fused, opts)

	results, err := e.assembleResults(ctx, fused, opts)
	if err != nil {
		return nil, err
	}

	e.attachExplainData(results, query, opts, len(keyword), len(dense), dimMismatch)

	slog.Debug("search_complete",
		slog.String("query", truncateQuery(query, 50)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))
	return results, nil
}

// assembleResults turns the fused candidate order into final results:
// enrich with full chunk rows, attach adjacent context when requested,
// apply the path/test-file score adjustments, filter, and truncate.
func (e *Engine) assembleResults(ctx context.Context, fused []*fusedResult, opts SearchOptions) ([]*SearchResult, error) {
	enriched, err := e.enrichResults(ctx, fused)
	if err != nil {
		return nil, err
	}

	e.enrichResultsWithAdjacent(ctx, enriched, opts.AdjacentChunks, 5)

	enriched = ApplyTestFilePenalty(enriched)
	enriched = ApplyPathBoost(enriched)

	filtered := ApplyFilters(enriched, opts)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// attachExplainData populates ExplainData on the first result when
// opts.Explain is set.
func (e *Engine) attachExplainData(results []*SearchResult, query string, opts SearchOptions, keywordCount, denseCount int, dimMismatch bool) {
	if !opts.Explain || len(results) == 0 {
		return
	}

	results[0].Explain = &ExplainData{
		Query:             query,
		BM25ResultCount:   keywordCount,
		VectorResultCount: denseCount,
		Weights:           *opts.Weights,
		RRFConstant:       e.config.RRFConstant,
		BM25Only:          opts.BM25Only,
		DimensionMismatch: dimMismatch,
	}
}

// Index adds chunks to both BM25 and vector indices.
func (e *Engine) Index(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	docs := make([]*store.Document, len(chunks))
	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = &store.Document{ID: c.ID, Content: c.Content, Path: c.FilePath}
		texts[i] = c.Content
		ids[i] = c.ID
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}

	if err := e.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("index in BM25: %w", err)
	}

	if err := e.vector.Add(ctx, ids, embeddings); err != nil {
		return fmt.Errorf("add vectors: %w", err)
	}

	if err := e.metadata.SaveChunks(ctx, chunks); err != nil {
		return fmt.Errorf("save chunks metadata: %w", err)
	}

	// Persist embeddings in SQLite so compaction can rebuild the vector
	// graph without re-embedding.
	if err := e.metadata.SaveChunkEmbeddings(ctx, ids, embeddings, e.embedder.ModelName()); err != nil {
		slog.Warn("failed to persist embeddings, compaction will require re-embedding",
			slog.String("error", err.Error()),
			slog.Int("count", len(ids)))
	}

	if err := e.storeIndexEmbeddingInfo(ctx); err != nil {
		slog.Warn("failed to store index embedding info",
			slog.String("error", err.Error()))
	}

	return nil
}

// storeIndexEmbeddingInfo saves the current embedder's dimension and model to metadata.
// This enables detection of dimension mismatch when embedder changes.
func (e *Engine) storeIndexEmbeddingInfo(ctx context.Context) error {
	dim := fmt.Sprintf("%d", e.embedder.Dimensions())
	model := e.embedder.ModelName()

	if err := e.metadata.SetState(ctx, store.StateKeyIndexDimension, dim); err != nil {
		return fmt.Errorf("failed to store index dimension: %w", err)
	}
	if err := e.metadata.SetState(ctx, store.StateKeyIndexModel, model); err != nil {
		return fmt.Errorf("failed to store index model: %w", err)
	}
	return nil
}

// validateDimensions checks if current embedder dimension matches indexed dimension.
// Returns ErrDimensionMismatch if embedder changed (e.g., Ollama -> Static768 fallback).
// Returns nil if no index dimension stored (first-time indexing) or dimensions match.
func (e *Engine) validateDimensions(ctx context.Context) error {
	storedDim, err := e.metadata.GetState(ctx, store.StateKeyIndexDimension)
	if err != nil || storedDim == "" {
		// No stored dimension - first time or legacy index, allow search
		return nil
	}

	var indexDim int
	if _, err := fmt.Sscanf(storedDim, "%d", &indexDim); err != nil {
		slog.Warn("invalid stored index dimension", slog.String("value", storedDim))
		return nil
	}

	currentDim := e.embedder.Dimensions()
	if indexDim != currentDim {
		storedModel, _ := e.metadata.GetState(ctx, store.StateKeyIndexModel)
		currentModel := e.embedder.ModelName()
		return fmt.Errorf("%w: index has %d dimensions (%s), but current embedder has %d dimensions (%s). Run 'semcode index --reset' to rebuild with current embedder",
			ErrDimensionMismatch, indexDim, storedModel, currentDim, currentModel)
	}

	return nil
}

// Delete removes chunks from all indices and metadata.
func (e *Engine) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Metadata is the source of truth; orphans left behind in BM25 or the
	// vector graph are filtered at enrichment and removed by compaction.
	var hasOrphans bool

	if err := e.bm25.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("BM25 delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()),
			slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	if err := e.vector.Delete(ctx, chunkIDs); err != nil {
		slog.Warn("vector delete failed, orphans will remain until compaction",
			slog.String("error", err.Error()),
			slog.Int("count", len(chunkIDs)))
		hasOrphans = true
	}

	if err := e.metadata.DeleteChunks(ctx, chunkIDs); err != nil {
		return fmt.Errorf("delete chunks metadata: %w", err)
	}

	if hasOrphans {
		slog.Debug("delete completed with orphan remnants",
			slog.Int("chunks", len(chunkIDs)))
	}

	return nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() *EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &EngineStats{
		BM25Stats:   e.bm25.Stats(),
		VectorCount: e.vector.Count(),
	}
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error

	if err := e.bm25.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.vector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.metadata.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SwapVectorStore replaces the engine's vector store and returns the
// previous one. Used by background compaction to hot-swap a rebuilt
// index; the caller owns closing the returned store.
func (e *Engine) SwapVectorStore(v store.VectorStore) store.VectorStore {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.vector
	e.vector = v
	return old
}

// applyDefaults fills in default values for search options.
func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit > e.config.MaxLimit {
		opts.Limit = e.config.MaxLimit
	}

	if opts.Filter == "" {
		opts.Filter = "all"
	}

	if opts.Weights == nil {
		w := e.config.DefaultWeights
		opts.Weights = &w
	}

	return opts
}

// parallelSearch runs the keyword and dense searches concurrently. When
// one side fails the other side's results still stand (the error is
// returned for logging); only both failing is fatal.
func (e *Engine) parallelSearch(ctx context.Context, query, pathPrefix string, limit int) (
	keyword []*store.BM25Result,
	dense []*store.VectorResult,
	err error,
) {
	g, gctx := errgroup.WithContext(ctx)

	var keywordErr, denseErr error

	g.Go(func() error {
		keyword, keywordErr = e.keywordSearch(gctx, query, pathPrefix, limit)
		return nil
	})

	g.Go(func() error {
		// Queries carry the model's instruction prefix; indexed chunks
		// are embedded without it.
		embedding, embedErr := e.embedder.Embed(gctx, formatQueryForEmbedding(query))
		if embedErr != nil {
			denseErr = embedErr
			return nil
		}
		dense, denseErr = e.vector.Search(gctx, embedding, limit)
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		return nil, nil, waitErr
	}

	if keywordErr != nil && denseErr != nil {
		return nil, nil, errors.Join(keywordErr, denseErr)
	}
	if keywordErr != nil {
		err = keywordErr
	} else if denseErr != nil {
		err = denseErr
	}

	return keyword, dense, err
}

// keywordIndexWithScope is implemented by keyword backends that can push
// a path-prefix filter into the store query (SQLite FTS5). Backends
// without it fall back to post-filtering after enrichment.
type keywordIndexWithScope interface {
	SearchScoped(ctx context.Context, query, pathPrefix string, limit int) ([]*store.BM25Result, error)
}

// keywordSearch dispatches to the scoped store query when one scope is
// active and the backend supports pushdown.
func (e *Engine) keywordSearch(ctx context.Context, query, pathPrefix string, limit int) ([]*store.BM25Result, error) {
	if pathPrefix != "" {
		if scoped, ok := e.bm25.(keywordIndexWithScope); ok {
			return scoped.SearchScoped(ctx, query, pathPrefix, limit)
		}
	}
	return e.bm25.Search(ctx, query, limit)
}

// singleScopePrefix returns the sole scope when exactly one is set; the
// multi-scope OR case stays a post-filter.
func singleScopePrefix(scopes []string) string {
	if len(scopes) != 1 {
		return ""
	}
	return NormalizeScope(scopes[0])
}

// enrichResults fetches the full chunk row for every fused candidate in
// one batch query, preserving the fused order. Candidates whose chunk row
// no longer exists (stale index entries) are dropped.
func (e *Engine) enrichResults(ctx context.Context, fused []*fusedResult) ([]*SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]string, len(fused))
	fusedByID := make(map[string]*fusedResult, len(fused))
	for i, f := range fused {
		ids[i] = f.chunkID
		fusedByID[f.chunkID] = f
	}

	chunks, err := e.metadata.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(chunks))
	for _, chunk := range chunks {
		f, ok := fusedByID[chunk.ID]
		if !ok {
			continue
		}

		results = append(results, &SearchResult{
			Chunk:        chunk,
			Score:        f.rrfScore,
			BM25Score:    f.bm25Score,
			VecScore:     f.vecScore,
			BM25Rank:     f.bm25Rank,
			VecRank:      f.vecRank,
			InBothLists:  f.inBothLists,
			Highlights:   e.calculateHighlights(chunk.Content, f.matchedTerms),
			MatchedTerms: f.matchedTerms,
		})
	}

	return results, nil
}

// enrichResultsWithAdjacent fetches adjacent chunks for context continuity.
// For each top-N result, retrieves chunks before/after from the same file.
func (e *Engine) enrichResultsWithAdjacent(ctx context.Context, results []*SearchResult, adjacentCount int, topN int) {
	if adjacentCount <= 0 || len(results) == 0 {
		return
	}

	enrichCount := len(results)
	if topN > 0 && enrichCount > topN {
		enrichCount = topN
	}

	// Group results by file to batch fetch chunks
	fileIDToResults := make(map[string][]*SearchResult)
	for i := 0; i < enrichCount; i++ {
		result := results[i]
		if result.Chunk == nil || result.Chunk.FileID == "" {
			continue
		}
		fileIDToResults[result.Chunk.FileID] = append(fileIDToResults[result.Chunk.FileID], result)
	}

	for fileID, fileResults := range fileIDToResults {
		allChunks, err := e.metadata.GetChunksByFile(ctx, fileID)
		if err != nil {
			// Graceful degradation: skip this file but continue with others
			slog.Debug("failed to fetch chunks for adjacent context",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()))
			continue
		}

		for _, result := range fileResults {
			target := result.Chunk

			var before, after []*store.Chunk
			for _, c := range allChunks {
				switch {
				case c.ID == target.ID:
				case c.EndLine < target.StartLine:
					before = append(before, c)
				case c.StartLine > target.EndLine:
					after = append(after, c)
				}
			}

			// Closest-first on both sides, capped at adjacentCount.
			sort.Slice(before, func(i, j int) bool {
				return before[i].EndLine > before[j].EndLine
			})
			if len(before) > adjacentCount {
				before = before[:adjacentCount]
			}
			sort.Slice(after, func(i, j int) bool {
				return after[i].StartLine < after[j].StartLine
			})
			if len(after) > adjacentCount {
				after = after[:adjacentCount]
			}

			result.AdjacentContext.Before = before
			result.AdjacentContext.After = after
		}
	}
}

// rerankResults reorders the fused candidates with the configured
// reranker. Any failure (unavailable, fetch error, rerank error) falls
// back to the fused order; the request never fails here.
func (e *Engine) rerankResults(ctx context.Context, query string, fused []*fusedResult, opts SearchOptions) []*fusedResult {
	if e.reranker == nil || opts.NoRerank || len(fused) < 2 {
		return fused
	}

	if !e.reranker.Available(ctx) {
		slog.Debug("reranker unavailable, keeping fused order")
		return fused
	}

	chunkIDs := make([]string, len(fused))
	for i, f := range fused {
		chunkIDs[i] = f.chunkID
	}
	chunks, err := e.metadata.GetChunks(ctx, chunkIDs)
	if err != nil {
		slog.Warn("failed to fetch chunks for reranking, keeping fused order",
			slog.String("error", err.Error()))
		return fused
	}

	chunkByID := make(map[string]*store.Chunk, len(chunks))
	for _, chunk := range chunks {
		chunkByID[chunk.ID] = chunk
	}

	// Candidates without content cannot be scored; keep fused order for
	// the ones we can.
	validFused := make([]*fusedResult, 0, len(fused))
	orderedChunks := make([]*store.Chunk, 0, len(fused))
	for _, f := range fused {
		if c, ok := chunkByID[f.chunkID]; ok && c.Content != "" {
			orderedChunks = append(orderedChunks, c)
			validFused = append(validFused, f)
		}
	}
	if len(orderedChunks) == 0 {
		return fused
	}

	start := time.Now()
	var reranked []RerankResult
	var rerankErr error
	if cr, ok := e.reranker.(ColbertReranker); ok {
		// MaxSim path: score against each chunk's stored late-interaction
		// matrix instead of re-embedding its text.
		reranked, rerankErr = cr.RerankChunks(ctx, query, orderedChunks)
	} else {
		documents := make([]string, len(orderedChunks))
		for i, c := range orderedChunks {
			documents[i] = c.Content
		}
		reranked, rerankErr = e.reranker.Rerank(ctx, query, documents, 0)
	}
	if rerankErr != nil {
		slog.Warn("reranking failed, keeping fused order",
			slog.String("error", rerankErr.Error()),
			slog.Duration("attempt", time.Since(start)))
		return fused
	}

	// The reranker returns (index, score) pairs sorted by score; map them
	// back onto the fused candidates.
	out := make([]*fusedResult, 0, len(reranked))
	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(validFused) {
			slog.Warn("invalid reranker index, skipping",
				slog.Int("index", rr.Index),
				slog.Int("valid_count", len(validFused)))
			continue
		}
		f := validFused[rr.Index]
		f.rrfScore = rr.Score
		out = append(out, f)
	}

	slog.Debug("rerank_complete",
		slog.String("query", truncateQuery(query, 50)),
		slog.Int("candidates", len(fused)),
		slog.Int("reranked", len(out)),
		slog.Duration("duration", time.Since(start)))
	return out
}

// calculateHighlights finds text ranges for matched terms.
func (e *Engine) calculateHighlights(content string, matchedTerms []string) []Range {
	if len(matchedTerms) == 0 || len(content) == 0 {
		return []Range{}
	}

	const maxMatchesPerTerm = 10
	highlights := make([]Range, 0, len(matchedTerms)*3)

	lowerContent := strings.ToLower(content)

	for _, term := range matchedTerms {
		if len(term) == 0 {
			continue
		}

		lowerTerm := strings.ToLower(term)
		start := 0
		matchCount := 0

		for matchCount < maxMatchesPerTerm {
			idx := strings.Index(lowerContent[start:], lowerTerm)
			if idx == -1 {
				break
			}

			absStart := start + idx
			highlights = append(highlights, Range{
				Start: absStart,
				End:   absStart + len(term),
			})

			start = absStart + len(term)
			matchCount++
		}
	}

	if len(highlights) > 1 {
		sort.Slice(highlights, func(i, j int) bool {
			return highlights[i].Start < highlights[j].Start
		})
	}

	return highlights
}
