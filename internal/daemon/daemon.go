package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/embed"
	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
)

// Daemon is the long-lived background process behind the CLI: it keeps the
// embedder loaded and per-project stores open across invocations, so a
// search request pays connection cost only, not cold-start cost. Projects
// are loaded lazily on first search and evicted LRU above MaxProjects.
type Daemon struct {
	cfg      Config
	embedder embed.Embedder

	mu       sync.RWMutex
	projects map[string]*projectState

	started    time.Time
	server     *Server
	compaction *CompactionManager
}

// projectState holds one loaded project: its open stores and search engine.
type projectState struct {
	rootPath string
	loadedAt time.Time
	lastUsed time.Time

	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	engine   *search.Engine
}

// Close releases the project's stores. The engine's Close covers all
// three stores; the individual closes below only handle a
// partially-constructed state where the engine was never built.
func (p *projectState) Close() error {
	if p.engine != nil {
		return p.engine.Close()
	}

	var firstErr error
	if p.vector != nil {
		if err := p.vector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.bm25 != nil {
		if err := p.bm25.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.metadata != nil {
		if err := p.metadata.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithEmbedder injects a pre-built embedder, skipping provider
// auto-detection at startup.
func WithEmbedder(e embed.Embedder) Option {
	return func(d *Daemon) {
		d.embedder = e
	}
}

// NewDaemon creates a daemon from the given config. The embedder is not
// initialized until Start unless injected via WithEmbedder.
func NewDaemon(cfg Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		projects: make(map[string]*projectState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled: it claims the PID file,
// initializes the embedder if none was injected, and serves RPC requests
// on the Unix socket. Returns the context's error on shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	// Reclaim a stale PID file (owner process gone) before writing ours.
	pf := NewPIDFile(d.cfg.PIDPath)
	if pid, err := pf.Read(); err == nil && pid != os.Getpid() && !pf.IsRunning() {
		slog.Info("removing stale PID file", slog.Int("stale_pid", pid))
		_ = pf.Remove()
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	if d.embedder == nil {
		d.embedder = d.initEmbedder(ctx)
	}

	d.started = time.Now()

	// Compaction must stop before cleanup tears the stores down, so its
	// defer is registered after cleanup's (LIFO).
	defer d.cleanup()

	// Background HNSW compaction while projects sit idle.
	d.compaction = NewCompactionManager(d, config.NewConfig().Compaction)
	d.compaction.Start(ctx)
	defer d.compaction.Stop()

	server, err := NewServer(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	server.SetHandler(d)
	d.server = server

	slog.Info("daemon started",
		slog.Int("pid", os.Getpid()),
		slog.String("socket", d.cfg.SocketPath),
		slog.String("embedder", d.embedderName()))

	return server.ListenAndServe(ctx)
}

// initEmbedder selects the config-preferred embedder, falling back to the
// static embedder when no model server is reachable. The daemon stays up
// either way; static results are degraded, not absent.
func (d *Daemon) initEmbedder(ctx context.Context) embed.Embedder {
	cfg := config.NewConfig()
	provider := embed.ParseProvider(cfg.Embeddings.Provider)

	embedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("embedder unavailable, falling back to static",
			slog.String("error", err.Error()))
		return embed.NewStaticEmbedder768()
	}
	return embedder
}

// HandleSearch implements RequestHandler: it loads (or reuses) the
// project's stores and runs a hybrid search against them.
func (d *Daemon) HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	if d.compaction != nil {
		d.compaction.InterruptCompaction(params.RootPath)
	}

	state, err := d.getProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		MinScore: params.MinScore,
		NoRerank: params.NoRerank,
		Explain:  params.Explain,
	}

	results, err := state.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, err
	}

	if d.compaction != nil {
		d.compaction.OnSearchComplete(params.RootPath)
	}

	return convertResults(results), nil
}

// convertResults maps engine results onto the wire representation.
func convertResults(results []*search.SearchResult) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		sr := SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		}
		if r.Explain != nil {
			sr.Explain = &ExplainData{
				Query:                r.Explain.Query,
				BM25ResultCount:      r.Explain.BM25ResultCount,
				VectorResultCount:    r.Explain.VectorResultCount,
				BM25Weight:           r.Explain.Weights.BM25,
				SemanticWeight:       r.Explain.Weights.Semantic,
				RRFConstant:          r.Explain.RRFConstant,
				BM25Only:             r.Explain.BM25Only,
				DimensionMismatch:    r.Explain.DimensionMismatch,
			}
		}
		out = append(out, sr)
	}
	return out
}

// getProject returns the loaded state for root, opening its stores on
// first use and evicting the least-recently-used project when the cap is
// reached.
func (d *Daemon) getProject(ctx context.Context, root string) (*projectState, error) {
	d.mu.Lock()
	if state, ok := d.projects[root]; ok {
		state.lastUsed = time.Now()
		d.mu.Unlock()
		return state, nil
	}
	d.mu.Unlock()

	state, err := d.loadProject(ctx, root)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	// Another request may have loaded the same project while we were
	// opening stores; keep the existing one and discard ours.
	if existing, ok := d.projects[root]; ok {
		d.mu.Unlock()
		_ = state.Close()
		existing.lastUsed = time.Now()
		return existing, nil
	}
	for len(d.projects) >= d.cfg.MaxProjects {
		d.evictLRU()
	}
	d.projects[root] = state
	d.mu.Unlock()

	return state, nil
}

// loadProject opens the stores for a project root and builds its search
// engine, mirroring what a one-shot CLI search would construct.
func (d *Daemon) loadProject(ctx context.Context, root string) (*projectState, error) {
	dataDir := filepath.Join(root, ".semcode")
	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, err := os.Stat(metadataPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no index found at %s, run 'semcode index' first", root)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	state := &projectState{
		rootPath: root,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	state.metadata = metadata

	bm25, err := store.NewBM25IndexWithBackend(filepath.Join(dataDir, "bm25"), store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}
	state.bm25 = bm25

	dims := 768
	if d.embedder != nil {
		dims = d.embedder.Dimensions()
	}
	vector, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		_ = state.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	state.vector = vector

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("vector load failed",
				slog.String("project", root),
				slog.String("error", loadErr.Error()))
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
	if d.embedder == nil {
		_ = state.Close()
		return nil, fmt.Errorf("embedder not initialized; daemon not started")
	}
	state.engine = search.New(bm25, vector, d.embedder, metadata, engineConfig)

	slog.Info("project loaded", slog.String("root", root))
	return state, nil
}

// evictLRU removes the least-recently-used project. Caller holds d.mu.
func (d *Daemon) evictLRU() {
	var oldest string
	var oldestTime time.Time
	for root, state := range d.projects {
		if oldest == "" || state.lastUsed.Before(oldestTime) {
			oldest = root
			oldestTime = state.lastUsed
		}
	}
	if oldest == "" {
		return
	}

	state := d.projects[oldest]
	delete(d.projects, oldest)
	if state != nil {
		_ = state.Close()
	}
	slog.Debug("project evicted", slog.String("root", oldest))
}

// GetStatus implements RequestHandler.
func (d *Daemon) GetStatus() StatusResult {
	d.mu.RLock()
	loaded := len(d.projects)
	d.mu.RUnlock()

	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(d.started).Round(time.Second).String(),
		ProjectsLoaded: loaded,
	}

	if d.embedder == nil {
		status.EmbedderType = "unavailable"
		status.EmbedderStatus = "unavailable"
		return status
	}

	status.EmbedderType = d.embedder.ModelName()
	if d.embedder.Available(context.Background()) {
		status.EmbedderStatus = "ready"
	} else {
		status.EmbedderStatus = "fallback"
	}
	return status
}

// embedderName is a nil-safe ModelName for logging.
func (d *Daemon) embedderName() string {
	if d.embedder == nil {
		return "unavailable"
	}
	return d.embedder.ModelName()
}

// cleanup closes every loaded project and the embedder.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for root, state := range d.projects {
		if state != nil {
			_ = state.Close()
		}
		delete(d.projects, root)
	}

	if d.embedder != nil {
		_ = d.embedder.Close()
		d.embedder = nil
	}
}
