package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/daemon"
	"github.com/coderift/semcode/internal/embed"
	"github.com/coderift/semcode/internal/embedpool"
	"github.com/coderift/semcode/internal/logging"
	"github.com/coderift/semcode/internal/output"
	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit    int
	filter   string   // "all", "code", "docs"
	language string
	format   string   // "text", "json"
	scopes   []string // path prefixes for filtering
	path     string   // single path-prefix filter (merged into scopes)
	minScore float64  // drop results below this score
	noRerank bool     // skip the reranker, keep fused order
	bm25Only bool     // skip semantic search, use BM25 only
	local    bool     // Force local search (bypass daemon)
	explain  bool     // show search decision process
	trace    string   // resolve callers/callees of a symbol instead of searching
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `Search the indexed codebase using hybrid search.

Combines BM25 (keyword) and semantic (embedding) search
with Reciprocal Rank Fusion for optimal results.

Examples:
  semcode search "authentication middleware"
  semcode search "handleRequest" --type code --limit 5
  semcode search "setup instructions" --type docs
  semcode search "error handling" --format json
  semcode search "request validation" --path src/ --min-score 0.3
  semcode search --trace handleRequest`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.trace != "" {
				return runTrace(cmd.Context(), cmd, opts.trace, opts)
			}
			if len(args) == 0 {
				return fmt.Errorf("requires a query argument (or --trace <symbol>)")
			}
			query := strings.Join(args, " ")
			if opts.path != "" {
				opts.scopes = append(opts.scopes, opts.path)
			}
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "m", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.filter, "type", "t", "all", "Filter by type: all, code, docs")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g., go, python)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringSliceVarP(&opts.scopes, "scope", "s", nil, "Filter by path scope (repeatable, e.g., --scope services/api)")
	cmd.Flags().StringVar(&opts.path, "path", "", "Only return results under this path prefix")
	cmd.Flags().Float64Var(&opts.minScore, "min-score", 0, "Drop results scoring below this threshold")
	cmd.Flags().BoolVar(&opts.noRerank, "no-rerank", false, "Skip reranking, return fused (RRF) order")
	cmd.Flags().StringVar(&opts.trace, "trace", "", "Show definitions and references of a symbol instead of searching")
	cmd.Flags().BoolVar(&opts.bm25Only, "bm25-only", false, "Use keyword search only (skip semantic search)")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Force local search (bypass daemon)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show search decision process (BM25/vector results, weights, RRF fusion)")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	// Initialize logging for CLI observability
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if _, cleanup, err := logging.Setup(logCfg); err == nil {
		defer cleanup()
	}

	slog.Info("search_started", slog.String("query", query), slog.Int("limit", opts.limit))
	out := output.New(cmd.OutOrStdout())

	// Find project root
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}

	// Check for index
	dataDir := filepath.Join(root, ".semcode")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'semcode index' first")
	}

	// Try daemon-based search first (fast, keeps embedder loaded)
	// Skip daemon if --local flag is set
	daemonCfg := daemon.DefaultConfig()
	client := daemon.NewClient(daemonCfg)
	if !opts.local && client.IsRunning() {
		slog.Info("search_using_daemon")
		results, err := client.Search(ctx, daemon.SearchParams{
			Query:    query,
			RootPath: root,
			Limit:    opts.limit,
			Filter:   opts.filter,
			Language: opts.language,
			Scopes:   opts.scopes,
			BM25Only: opts.bm25Only,
			MinScore: opts.minScore,
			NoRerank: opts.noRerank,
			Explain:  opts.explain,
		})
		if err != nil {
			// Daemon error - log warning and fall through to local search
			slog.Warn("Daemon search failed, falling back to local",
				slog.String("error", err.Error()))
		} else {
			slog.Info("search_complete", slog.String("mode", "daemon"), slog.Int("results", len(results)))
			return formatDaemonResults(cmd, out, query, results, opts.format)
		}
	}

	// Fallback: local search in this process
	slog.Info("search_using_local")
	return runLocalSearch(ctx, cmd, root, query, opts)
}

// runLocalSearch performs search without the daemon. It builds the embedder
// configured for the project, or a StaticEmbedder with --bm25-only.
func runLocalSearch(ctx context.Context, cmd *cobra.Command, root, query string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())
	dataDir := filepath.Join(root, ".semcode")

	// Load configuration
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	// Initialize stores
	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	// Use factory for BM25 backend selection (SQLite default for concurrent access)
	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25Config := store.DefaultBM25Config()
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, bm25Config, cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	// Check existing vector store dimensions
	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	existingDims, err := store.ReadHNSWStoreDimensions(vectorPath)
	if err != nil {
		slog.Debug("Could not read vector dimensions", slog.String("error", err.Error()))
		existingDims = 0
	}

	// Only create embedder when not using --bm25-only
	var embedder embed.Embedder
	var dimensions int

	if opts.bm25Only {
		// Use static embedder for BM25-only mode (no network calls needed)
		embedder = embed.NewStaticEmbedder768()
		dimensions = embedder.Dimensions()
		slog.Debug("bm25_only_mode", slog.Int("dimensions", dimensions))
	} else {
		// Wire MLX config from config.yaml to embedder factory
		embed.SetMLXConfig(embed.MLXServerConfig{
			Endpoint: cfg.Embeddings.MLXEndpoint,
			Model:    cfg.Embeddings.MLXModel,
		})

		// Use config-based embedder selection (same as index command)
		provider := embed.ParseProvider(cfg.Embeddings.Provider)
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		dimensions = embedder.Dimensions()
		slog.Debug("embedder_initialized",
			slog.String("provider", provider.String()),
			slog.String("model", embedder.ModelName()),
			slog.Int("dimensions", dimensions),
			slog.Int("existing_dims", existingDims))
	}
	defer func() { _ = embedder.Close() }()
	vectorConfig := store.DefaultVectorStoreConfig(dimensions)
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()

	// Try to load vectors
	if _, err := os.Stat(vectorPath); err == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

	// Create search engine with defaults
	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	// Pick a reranker, if any, for the configured provider
	var engineOpts []search.EngineOption

	switch {
	case opts.noRerank:
		// Fused order requested; never pay reranker startup cost.
	case cfg.Embeddings.Provider == "onnx" && !opts.bm25Only:
		// ONNX-indexed projects carry a per-chunk late-interaction matrix;
		// rerank with MaxSim against it instead of re-embedding text.
		if pool, poolErr := newMaxSimPool(ctx, cfg); poolErr != nil {
			slog.Debug("maxsim_pool_unavailable", slog.String("error", poolErr.Error()))
		} else {
			defer func() { _ = pool.Close() }()
			engineOpts = append(engineOpts, search.WithReranker(search.NewMaxSimReranker(pool)))
		}
	case cfg.Embeddings.Provider == "mlx" && !opts.bm25Only:
		// MLX-backed projects can reuse the same server's cross-encoder
		// rerank endpoint; unavailable unless the MLX server is running.
		rerankCfg := search.DefaultMLXRerankerConfig()
		if cfg.Embeddings.MLXEndpoint != "" {
			rerankCfg.Endpoint = cfg.Embeddings.MLXEndpoint
		}
		rerankCtx, rerankCancel := context.WithTimeout(ctx, 5*time.Second)
		reranker, rerankErr := search.NewMLXReranker(rerankCtx, rerankCfg)
		rerankCancel()
		if rerankErr != nil {
			slog.Debug("mlx_reranker_unavailable", slog.String("error", rerankErr.Error()))
		} else {
			defer func() { _ = reranker.Close() }()
			engineOpts = append(engineOpts, search.WithReranker(reranker))
		}
	}

	engine := search.New(bm25, vector, embedder, metadata, engineConfig, engineOpts...)

	// Build search options
	searchOpts := search.SearchOptions{
		Limit:    opts.limit,
		Filter:   opts.filter,
		Language: opts.language,
		Scopes:   opts.scopes,
		BM25Only: opts.bm25Only,
		MinScore: opts.minScore,
		NoRerank: opts.noRerank,
		Explain:  opts.explain,
	}

	// Execute search
	results, err := engine.Search(ctx, query, searchOpts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	slog.Info("search_complete", slog.String("mode", "local"), slog.Int("results", len(results)))

	// Format and output results
	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch opts.format {
	case "json":
		return formatJSON(cmd, results)
	default:
		return formatText(out, query, results)
	}
}

// formatDaemonResults formats search results from daemon.
func formatDaemonResults(cmd *cobra.Command, out *output.Writer, query string, results []daemon.SearchResult, format string) error {
	if len(results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", query))
		return nil
	}

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	default:
		// Show explain header if first result has explain data
		if len(results) > 0 && results[0].Explain != nil {
			formatDaemonExplainHeader(out, results[0].Explain)
		}

		out.Statusf("🔍", "Found %d results for %q:", len(results), query)
		out.Newline()

		hasExplain := len(results) > 0 && results[0].Explain != nil
		for i, r := range results {
			location := r.FilePath
			if r.StartLine > 0 {
				location = fmt.Sprintf("%s:%d", r.FilePath, r.StartLine)
			}

			// Include BM25/Vector ranks in explain mode
			if hasExplain {
				out.Statusf("", "%d. %s (score: %.3f)", i+1, location, r.Score)
				out.Status("", fmt.Sprintf("      BM25: rank %d (score: %.3f) | Vector: rank %d (score: %.3f)",
					r.BM25Rank, r.BM25Score, r.VecRank, r.VecScore))
			} else {
				out.Statusf("", "%d. %s (score: %.2f)", i+1, location, r.Score)
			}

			// Show snippet (first 3 lines)
			snippet := getSnippet(r.Content, 3)
			for _, line := range snippet {
				out.Status("", "   "+line)
			}
			out.Newline()
		}
		return nil
	}
}

// formatDaemonExplainHeader outputs the explain summary for daemon results.
// Implements Unix Rule of Transparency for search debugging.
func formatDaemonExplainHeader(out *output.Writer, explain *daemon.ExplainData) {
	out.Status("", "════════════════════════════════════════")
	out.Status("", "SEARCH EXPLANATION")
	out.Status("", "════════════════════════════════════════")
	out.Status("", fmt.Sprintf("Query: %q", explain.Query))
	out.Newline()

	// Show search mode
	if explain.BM25Only {
		out.Status("", "Mode: BM25-only (--bm25-only flag)")
	} else if explain.DimensionMismatch {
		out.Status("", "Mode: BM25-only (dimension mismatch - run 'semcode index --reset')")
	} else {
		out.Status("", "Mode: Hybrid (BM25 + Vector)")
	}
	out.Newline()

	// Show result counts and weights
	out.Status("", fmt.Sprintf("BM25 Results: %d (weight: %.2f)", explain.BM25ResultCount, explain.BM25Weight))
	out.Status("", fmt.Sprintf("Vector Results: %d (weight: %.2f)", explain.VectorResultCount, explain.SemanticWeight))
	out.Status("", fmt.Sprintf("RRF Constant: k=%d", explain.RRFConstant))
	out.Status("", "════════════════════════════════════════")
	out.Newline()
}

// formatText outputs results in human-readable format.
func formatText(out *output.Writer, query string, results []*search.SearchResult) error {
	// Show explain header if first result has explain data
	if len(results) > 0 && results[0].Explain != nil {
		formatExplainHeader(out, results[0].Explain)
	}

	out.Statusf("🔍", "Found %d results for %q:", len(results), query)
	out.Newline()

	for i, r := range results {
		if r.Chunk == nil {
			continue
		}

		// Format: 1. path/to/file.go:42 (score: 0.89)
		location := r.Chunk.FilePath
		if r.Chunk.StartLine > 0 {
			location = fmt.Sprintf("%s:%d", r.Chunk.FilePath, r.Chunk.StartLine)
		}

		// Include BM25/Vector ranks in explain mode
		if results[0].Explain != nil {
			out.Statusf("", "%d. %s (score: %.3f)", i+1, location, r.Score)
			out.Status("", fmt.Sprintf("      BM25: rank %d (score: %.3f) | Vector: rank %d (score: %.3f)",
				r.BM25Rank, r.BM25Score, r.VecRank, r.VecScore))
		} else {
			out.Statusf("", "%d. %s (score: %.2f)", i+1, location, r.Score)
		}

		// Show snippet (first 3 lines)
		snippet := getSnippet(r.Chunk.Content, 3)
		for _, line := range snippet {
			out.Status("", "   "+line)
		}
		out.Newline()
	}

	return nil
}

// formatExplainHeader outputs the explain summary for a search.
// Implements Unix Rule of Transparency for search debugging.
func formatExplainHeader(out *output.Writer, explain *search.ExplainData) {
	out.Status("", "════════════════════════════════════════")
	out.Status("", "SEARCH EXPLANATION")
	out.Status("", "════════════════════════════════════════")
	out.Status("", fmt.Sprintf("Query: %q", explain.Query))
	out.Newline()

	// Show search mode
	if explain.BM25Only {
		out.Status("", "Mode: BM25-only (--bm25-only flag)")
	} else if explain.DimensionMismatch {
		out.Status("", "Mode: BM25-only (dimension mismatch - run 'semcode index --reset')")
	} else {
		out.Status("", "Mode: Hybrid (BM25 + Vector)")
	}
	out.Newline()

	// Show result counts and weights
	out.Status("", fmt.Sprintf("BM25 Results: %d (weight: %.2f)", explain.BM25ResultCount, explain.Weights.BM25))
	out.Status("", fmt.Sprintf("Vector Results: %d (weight: %.2f)", explain.VectorResultCount, explain.Weights.Semantic))
	out.Status("", fmt.Sprintf("RRF Constant: k=%d", explain.RRFConstant))
	out.Status("", "════════════════════════════════════════")
	out.Newline()
}

// formatJSON outputs results in JSON format.
func formatJSON(cmd *cobra.Command, results []*search.SearchResult) error {
	type jsonResult struct {
		FilePath  string  `json:"file_path"`
		StartLine int     `json:"start_line"`
		EndLine   int     `json:"end_line"`
		Score     float64 `json:"score"`
		Content   string  `json:"content"`
		Language  string  `json:"language,omitempty"`
	}

	var output []jsonResult
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		output = append(output, jsonResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
		})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

// newMaxSimPool spawns the ONNX embedding worker pool for query-time encode
// and rerank calls only; it never calls ProcessFile, so a single worker is
// enough regardless of worker_pool.worker_count.
func newMaxSimPool(ctx context.Context, cfg *config.Config) (*embedpool.Pool, error) {
	wp := cfg.WorkerPool
	if wp.DenseModelDir == "" || wp.LateModelDir == "" {
		return nil, fmt.Errorf("worker_pool.dense_model_dir/late_model_dir not configured")
	}
	workerArgs := []string{
		"--dense-model", wp.DenseModelDir,
		"--late-model", wp.LateModelDir,
		"--dense-dim", fmt.Sprintf("%d", wp.DenseDim),
		"--late-dim", fmt.Sprintf("%d", wp.LateDim),
		"--batch-size", fmt.Sprintf("%d", wp.BatchSize),
	}
	if wp.OrtLibPath != "" {
		workerArgs = append(workerArgs, "--ort-lib", wp.OrtLibPath)
	}
	return embedpool.New(ctx, embedpool.Config{
		WorkerBinary: wp.WorkerBinary,
		WorkerArgs:   workerArgs,
		Count:        1,
		TaskTimeout:  time.Duration(wp.TaskTimeoutMS) * time.Millisecond,
		MaxRetries:   wp.MaxRetries,
	})
}

// runTrace resolves a symbol's definitions and references by querying the
// store on demand; no in-memory call graph is maintained.
func runTrace(ctx context.Context, cmd *cobra.Command, symbol string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())

	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	dataDir := filepath.Join(root, ".semcode")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return fmt.Errorf("no index found. Run 'semcode index' first")
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	// Definitions come straight from the symbols table.
	symbols, err := metadata.SearchSymbols(ctx, symbol, opts.limit)
	if err != nil {
		return fmt.Errorf("symbol lookup failed: %w", err)
	}

	// References: keyword-search the symbol name, then keep only chunks
	// that actually reference it (BM25 matches prose mentions too).
	hits, err := bm25.Search(ctx, symbol, opts.limit*5)
	if err != nil {
		slog.Warn("trace_reference_search_failed", slog.String("error", err.Error()))
		hits = nil
	}
	chunkIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		chunkIDs = append(chunkIDs, h.DocID)
	}
	chunks, err := metadata.GetChunks(ctx, chunkIDs)
	if err != nil {
		slog.Warn("trace_chunk_fetch_failed", slog.String("error", err.Error()))
		chunks = nil
	}

	var callers, definitions []*store.Chunk
	for _, c := range chunks {
		if c == nil {
			continue
		}
		switch {
		case containsString(c.DefinedSymbols, symbol):
			definitions = append(definitions, c)
		case containsString(c.ReferencedSymbols, symbol):
			callers = append(callers, c)
		}
	}

	if len(symbols) == 0 && len(definitions) == 0 && len(callers) == 0 {
		out.Status("", fmt.Sprintf("No definitions or references found for %q", symbol))
		return nil
	}

	if len(symbols) > 0 || len(definitions) > 0 {
		out.Statusf("📌", "Definitions of %q:", symbol)
		for _, s := range symbols {
			if s.Signature != "" {
				out.Statusf("", "  %s (line %d)", s.Signature, s.StartLine)
			} else {
				out.Statusf("", "  %s %s (line %d)", s.Type, s.Name, s.StartLine)
			}
		}
		for _, c := range definitions {
			out.Statusf("", "  %s:%d", c.FilePath, c.StartLine)
		}
		out.Newline()
	}

	if len(callers) > 0 {
		out.Statusf("🔗", "Referenced by:")
		limit := opts.limit
		if limit <= 0 {
			limit = 10
		}
		if len(callers) > limit {
			callers = callers[:limit]
		}
		for _, c := range callers {
			name := c.FilePath
			if len(c.DefinedSymbols) > 0 {
				name = fmt.Sprintf("%s (%s)", c.FilePath, c.DefinedSymbols[0])
			}
			out.Statusf("", "  %s:%d", name, c.StartLine)
		}
	}
	return nil
}

// containsString reports whether list has an exact entry equal to s.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// getSnippet returns the first n lines of content.
func getSnippet(content string, n int) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	// Trim trailing empty lines
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
