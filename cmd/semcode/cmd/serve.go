package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/embed"
	"github.com/coderift/semcode/internal/httpapi"
	"github.com/coderift/semcode/internal/index"
	"github.com/coderift/semcode/internal/logging"
	"github.com/coderift/semcode/internal/mcp"
	"github.com/coderift/semcode/internal/scanner"
	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
	"github.com/coderift/semcode/internal/watcher"
)

// defaultWatcherStartupTimeout bounds how long the background file watcher
// is given to start before serve gives up on live reindexing and continues
// serving the static index. Overridable via SEMCODE_WATCHER_STARTUP_TIMEOUT
// for slow filesystems.
const defaultWatcherStartupTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var (
		debug     bool
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP (Model Context Protocol) server for this project.

The server exposes search and index-status tools over the given transport
so AI coding assistants (Claude Code, Cursor, etc.) can query the index.

 stdout is reserved exclusively for JSON-RPC traffic in stdio mode;
all diagnostics go to the file logger, never to stdout or stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				cleanup, err := logging.SetupMCPModeWithLevel("debug")
				if err == nil {
					defer cleanup()
				}
			}

			if transport == "http" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runHTTPServe(cmd.Context(), root, port)
			}

			if transport == "stdio" {
				if err := verifyStdinForMCP(); err != nil {
					slog.Warn("stdin_check", slog.String("error", err.Error()))
				}
			}

			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose MCP-safe logging to the log file")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse|http)")
	cmd.Flags().IntVar(&port, "port", 8765, "Port for SSE or HTTP transport")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe, not an interactive
// terminal, since the stdio transport expects a JSON-RPC client on the other
// end rather than a human typing at a prompt.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP server expects a JSON-RPC client on stdin (run it from an MCP-aware tool, not an interactive shell)")
	}
	return nil
}

// runServe starts the MCP server for the project found at or above the
// current directory.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serveProject(ctx, root, transport, port)
}

// openSearchEngine opens the metadata store, BM25 index, embedder, and
// vector store for root and wires them into a *search.Engine. The returned
// closer releases all four in reverse-acquisition order and must be called
// exactly once by the caller, regardless of the returned error.
func openSearchEngine(ctx context.Context, root string) (*search.Engine, store.MetadataStore, embed.Embedder, func(), error) {
	dataDir := filepath.Join(root, ".semcode")
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("failed to open metadata store: %w", err)
	}
	closers = append(closers, func() { _ = metadata.Close() })

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		closeAll()
		return nil, nil, nil, func() {}, fmt.Errorf("failed to open BM25 index: %w", err)
	}
	closers = append(closers, func() { _ = bm25.Close() })

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		slog.Warn("embedder_unavailable_falling_back_to_static", slog.String("error", err.Error()))
		embedder = embed.NewStaticEmbedder768()
	}
	closers = append(closers, func() { _ = embedder.Close() })

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		closeAll()
		return nil, nil, nil, func() {}, fmt.Errorf("failed to create vector store: %w", err)
	}
	closers = append(closers, func() { _ = vector.Close() })
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector_load_failed", slog.String("error", loadErr.Error()))
		}
	}

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
	engine := search.New(bm25, vector, embedder, metadata, engineConfig)

	return engine, metadata, embedder, closeAll, nil
}

// runHTTPServe opens the search engine for root and serves the plain HTTP
// surface (GET /health, POST /search) until ctx is done.
// Unlike serveProject, it does not start the MCP protocol or a background
// watcher: the HTTP surface is a read-only query endpoint over whatever the
// index already holds.
func runHTTPServe(ctx context.Context, root string, port int) error {
	engine, _, _, closeAll, err := openSearchEngine(ctx, root)
	if err != nil {
		return err
	}
	defer closeAll()
	defer func() { _ = engine.Close() }()

	httpSrv := httpapi.New(engine)
	addr := fmt.Sprintf(":%d", port)
	slog.Info("http_server_listening", slog.String("addr", addr), slog.String("root", root))
	return httpSrv.ListenAndServe(ctx, addr)
}

// serveProject opens the stores and embedder for root, constructs the
// search engine and MCP server, starts a best-effort background watcher for
// live reindexing, and blocks serving the given transport until ctx is done.
func serveProject(ctx context.Context, root, transport string, port int) error {
	// / nothing below this point may write to stdout in
	// stdio mode, since that stream is reserved for JSON-RPC.
	if cleanup, err := logging.SetupMCPMode(); err == nil {
		defer cleanup()
	}

	engine, metadata, embedder, closeAll, err := openSearchEngine(ctx, root)
	if err != nil {
		return err
	}
	defer closeAll()

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	mcpServer, err := mcp.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer func() { _ = mcpServer.Close() }()

	// Start live reindexing in the background; a slow or failing watcher
	// must never delay MCP startup.
	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go startBackgroundWatcher(watcherCtx, root, engine, metadata)

	return mcpServer.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

// startBackgroundWatcher starts a HybridWatcher rooted at root and feeds
// its debounced events to an index.Reconciler so files edited while the
// server is running stay searchable without a manual `semcode index` pass.
// Errors starting the watcher are logged, not returned, since live
// reindexing is a best-effort enhancement over the static index already
// loaded.
func startBackgroundWatcher(ctx context.Context, root string, engine *search.Engine, metadata store.MetadataStore) {
	startupTimeout := defaultWatcherStartupTimeout
	if v := os.Getenv("SEMCODE_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			startupTimeout = d
		}
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	defer startCancel()

	w, err := watcher.NewHybridWatcher(watcher.Options{})
	if err != nil {
		slog.Warn("watcher_create_failed", slog.String("error", err.Error()))
		return
	}
	if err := w.Start(startCtx, root); err != nil {
		slog.Warn("watcher_start_failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = w.Stop() }()

	sc, err := scanner.New()
	if err != nil {
		slog.Warn("watcher_scanner_failed", slog.String("error", err.Error()))
		return
	}
	reconciler := index.NewReconciler(index.ReconcilerConfig{
		RootPath: root,
		Engine:   engine,
		Metadata: metadata,
		Scanner:  sc,
	})

	slog.Info("background_watcher_started", slog.String("root", root))
	for {
		select {
		case <-ctx.Done():
			return
		case events, ok := <-w.Events():
			if !ok {
				return
			}
			if err := reconciler.Apply(ctx, events); err != nil {
				slog.Warn("watcher_apply_events_failed", slog.String("error", err.Error()))
			}
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}
