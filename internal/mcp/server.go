package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderift/semcode/internal/async"
	"github.com/coderift/semcode/internal/config"
	"github.com/coderift/semcode/internal/embed"
	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
	"github.com/coderift/semcode/pkg/version"
)

// Server is the MCP surface over one project's search engine: four tools
// (three search variants sharing one execution path, plus index_status)
// and chunk resources. It bridges AI clients (Claude Code, Cursor) to the
// hybrid index.
type Server struct {
	mcp      *mcp.Server
	engine   search.SearchEngine
	metadata store.MetadataStore
	embedder embed.Embedder // nil reports as unavailable
	config   *config.Config
	logger   *slog.Logger

	projectID string
	rootPath  string

	// Background indexing progress (nil if not indexing)
	indexProgress *async.IndexProgress

	mu sync.RWMutex
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// ResourceInfo contains information about a resource.
type ResourceInfo struct {
	URI      string
	Name     string
	MIMEType string
}

// ResourceContent contains the content of a resource.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query    string   `json:"query" jsonschema:"the search query to execute"`
	Limit    int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	Filter   string   `json:"filter,omitempty" jsonschema:"filter by content type: all, code, docs"`
	Language string   `json:"language,omitempty" jsonschema:"filter by programming language, e.g. go, typescript"`
	Scope    []string `json:"scope,omitempty" jsonschema:"filter by path prefixes (OR logic)"`
}

// SearchOutput defines the output schema for the search tools.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput is one result with the context a client needs to
// understand WHY it matched, not just where.
type SearchResultOutput struct {
	FilePath     string   `json:"file_path" jsonschema:"file path relative to project root"`
	Content      string   `json:"content" jsonschema:"matched content snippet"`
	Score        float64  `json:"score" jsonschema:"relevance score between 0 and 1"`
	Language     string   `json:"language,omitempty" jsonschema:"programming language of the file"`
	MatchReason  string   `json:"match_reason,omitempty" jsonschema:"human-readable explanation of why this result matched"`
	Symbol       string   `json:"symbol,omitempty" jsonschema:"primary symbol name (function, class, type)"`
	SymbolType   string   `json:"symbol_type,omitempty" jsonschema:"type of symbol: function, class, interface, type, method"`
	Signature    string   `json:"signature,omitempty" jsonschema:"full function/method signature"`
	MatchedTerms []string `json:"matched_terms,omitempty" jsonschema:"query terms that matched this result"`
	InBothLists  bool     `json:"in_both_lists,omitempty" jsonschema:"true if result appeared in both keyword and semantic search"`
}

// toolCatalog is the single source of the tool list: names, descriptions,
// and registration all derive from it.
var toolCatalog = []ToolInfo{
	{
		Name:        "search",
		Description: "Primary search tool. Instantly finds code and documentation using a full-codebase index. Use this for 95% of your search tasks - faster and smarter than grep. Understands code semantics, not just keywords.",
	},
	{
		Name:        "search_code",
		Description: "Code-specialized search. Finds functions, classes, and implementations by meaning, not just text matching. Use when you need to understand HOW something is implemented. Supports language and symbol type filtering.",
	},
	{
		Name:        "search_docs",
		Description: "Documentation search with context. Finds architecture decisions, design rationale, and guides. Preserves section hierarchy so you understand WHERE in the doc structure a match appears.",
	},
	{
		Name:        "index_status",
		Description: "Check if the codebase index is ready and which embedder is active. Use before searching to verify the index is complete.",
	},
}

// NewServer creates a new MCP server. The embedder is used only for
// capability signaling; rootPath drives project detection.
func NewServer(engine search.SearchEngine, metadata store.MetadataStore, embedder embed.Embedder, cfg *config.Config, rootPath string) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &Server{
		engine:   engine,
		metadata: metadata,
		embedder: embedder,
		config:   cfg,
		rootPath: rootPath,
		logger:   slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "SemCode",
			Version: version.Version,
		},
		nil, // capabilities are inferred from registered tools/resources
	)
	s.registerTools()

	return s, nil
}

// SetIndexProgress attaches a background-indexing progress tracker, so
// searches during indexing report partial state instead of odd results.
func (s *Server) SetIndexProgress(progress *async.IndexProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexProgress = progress
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "SemCode", version.Version
}

// Capabilities returns whether tools and resources are enabled.
func (s *Server) Capabilities() (hasTools, hasResources bool) {
	return true, true
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return toolCatalog
}

// registerTools wires every catalog entry to its typed handler.
func (s *Server) registerTools() {
	handlers := map[string]func(tool *mcp.Tool){
		"search":       func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.mcpSearchHandler) },
		"search_code":  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.mcpSearchCodeHandler) },
		"search_docs":  func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.mcpSearchDocsHandler) },
		"index_status": func(t *mcp.Tool) { mcp.AddTool(s.mcp, t, s.mcpIndexStatusHandler) },
	}

	for _, info := range toolCatalog {
		register, ok := handlers[info.Name]
		if !ok {
			continue
		}
		register(&mcp.Tool{Name: info.Name, Description: info.Description})
		s.logger.Debug("Registered tool", slog.String("name", info.Name))
	}
	s.logger.Info("MCP tools registered", slog.Int("count", len(toolCatalog)))
}

// CallTool invokes a tool by name with loosely-typed arguments, the
// entry point exercised by non-SDK clients and tests.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch name {
	case "search":
		if msg, busy := s.indexingBanner(); busy {
			return msg, nil
		}
		opts, err := searchOptsFromArgs(args, "")
		if err != nil {
			return nil, err
		}
		return s.searchMarkdown(ctx, name, args, opts, func(query string, results []*search.SearchResult) string {
			return FormatSearchResults(query, results)
		})
	case "search_code":
		opts, err := searchOptsFromArgs(args, "code")
		if err != nil {
			return nil, err
		}
		if symbolType, ok := args["symbol_type"].(string); ok && symbolType != "any" {
			opts.SymbolType = symbolType
		}
		return s.searchMarkdown(ctx, name, args, opts, func(query string, results []*search.SearchResult) string {
			return FormatCodeResults(query, results, opts.Language)
		})
	case "search_docs":
		opts, err := searchOptsFromArgs(args, "docs")
		if err != nil {
			return nil, err
		}
		return s.searchMarkdown(ctx, name, args, opts, func(query string, results []*search.SearchResult) string {
			return FormatDocsResults(query, results)
		})
	case "index_status":
		return s.indexStatus(ctx)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

// indexingBanner returns the in-progress notice when a background index
// run is active.
func (s *Server) indexingBanner() (string, bool) {
	progress := s.indexProgress
	if progress == nil || !progress.IsIndexing() {
		return "", false
	}
	snap := progress.Snapshot()
	return fmt.Sprintf("## Indexing in Progress\n\n"+
		"**Progress:** %.1f%% (%d/%d files)\n"+
		"**Stage:** %s\n\n"+
		"Search results may be incomplete or unavailable. Please try again in a moment.",
		snap.ProgressPct, snap.FilesProcessed, snap.FilesTotal, snap.Stage), true
}

// searchOptsFromArgs validates the query and builds SearchOptions from a
// loose argument map. forcedFilter pins the content type for the
// specialized tools.
func searchOptsFromArgs(args map[string]any, forcedFilter string) (search.SearchOptions, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return search.SearchOptions{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}
	if strings.TrimSpace(query) == "" {
		return search.SearchOptions{}, NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	opts := search.SearchOptions{Limit: clampLimit(0, 10, 1, 50)}
	if l, ok := args["limit"].(float64); ok {
		opts.Limit = clampLimit(int(l), 10, 1, 50)
	}

	opts.Filter = forcedFilter
	if forcedFilter == "" {
		if filter, ok := args["filter"].(string); ok {
			opts.Filter = filter
		}
	}
	if lang, ok := args["language"].(string); ok && forcedFilter != "docs" {
		opts.Language = lang
	}
	if scope, ok := args["scope"].([]interface{}); ok {
		for _, v := range scope {
			if str, ok := v.(string); ok {
				opts.Scopes = append(opts.Scopes, str)
			}
		}
	}
	return opts, nil
}

// searchMarkdown runs one search tool end to end: logging, engine call,
// markdown rendering. All three search tools share this path.
func (s *Server) searchMarkdown(ctx context.Context, tool string, args map[string]any, opts search.SearchOptions, render func(string, []*search.SearchResult) string) (string, error) {
	start := time.Now()
	requestID := generateRequestID()
	query := args["query"].(string)

	s.logger.Info(tool+" started",
		slog.String("request_id", requestID),
		slog.String("query", query),
		slog.Int("limit", opts.Limit))

	results, err := s.engine.Search(ctx, query, opts)
	if err != nil {
		s.logger.Error(tool+" failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return "", MapError(err)
	}

	s.logger.Info(tool+" completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(results)))

	return render(query, results), nil
}

// searchForOutput runs a search for the typed SDK handlers and converts
// results to the wire schema.
func (s *Server) searchForOutput(ctx context.Context, query string, opts search.SearchOptions) (SearchOutput, error) {
	if query == "" {
		return SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	results, err := s.engine.Search(ctx, query, opts)
	if err != nil {
		return SearchOutput{}, MapError(err)
	}

	output := SearchOutput{Results: make([]SearchResultOutput, 0, len(results))}
	for _, r := range results {
		if r.Chunk != nil {
			output.Results = append(output.Results, ToSearchResultOutput(r))
		}
	}
	return output, nil
}

// mcpSearchHandler is the SDK handler for the search tool.
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult, SearchOutput, error,
) {
	output, err := s.searchForOutput(ctx, input.Query, search.SearchOptions{
		Limit:    input.Limit,
		Filter:   input.Filter,
		Language: input.Language,
		Scopes:   input.Scope,
	})
	return nil, output, err
}

// mcpSearchCodeHandler is the SDK handler for the search_code tool.
func (s *Server) mcpSearchCodeHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchCodeInput) (
	*mcp.CallToolResult, SearchOutput, error,
) {
	opts := search.SearchOptions{
		Limit:    input.Limit,
		Filter:   "code",
		Language: input.Language,
		Scopes:   input.Scope,
	}
	if input.SymbolType != "" && input.SymbolType != "any" {
		opts.SymbolType = input.SymbolType
	}
	output, err := s.searchForOutput(ctx, input.Query, opts)
	return nil, output, err
}

// mcpSearchDocsHandler is the SDK handler for the search_docs tool.
func (s *Server) mcpSearchDocsHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchDocsInput) (
	*mcp.CallToolResult, SearchOutput, error,
) {
	output, err := s.searchForOutput(ctx, input.Query, search.SearchOptions{
		Limit:  input.Limit,
		Filter: "docs",
		Scopes: input.Scope,
	})
	return nil, output, err
}

// mcpIndexStatusHandler is the SDK handler for the index_status tool.
func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult, *IndexStatusOutput, error,
) {
	output, err := s.indexStatus(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, output, nil
}

// indexStatus assembles the index_status report: store statistics, the
// embedder's actual capability tier, and any in-flight indexing progress.
func (s *Server) indexStatus(ctx context.Context) (*IndexStatusOutput, error) {
	start := time.Now()
	requestID := generateRequestID()

	s.logger.Info("index_status started", slog.String("request_id", requestID))

	detector := NewProjectDetector(s.rootPath, s.logger)
	projectInfo := detector.Detect()

	output := &IndexStatusOutput{
		Project: *projectInfo,
		Stats: IndexStats{
			LastIndexed: time.Now().Format(time.RFC3339),
		},
		Embeddings: s.embedderInfo(ctx),
	}

	if stats := s.engine.Stats(); stats != nil {
		if stats.BM25Stats != nil {
			output.Stats.FileCount = stats.BM25Stats.DocumentCount
		}
		output.Stats.ChunkCount = stats.VectorCount
	}

	if progress := s.indexProgress; progress != nil {
		snap := progress.Snapshot()
		output.Indexing = &IndexingProgress{
			Status:         snap.Status,
			Stage:          snap.Stage,
			FilesTotal:     snap.FilesTotal,
			FilesProcessed: snap.FilesProcessed,
			ChunksIndexed:  snap.ChunksIndexed,
			ProgressPct:    snap.ProgressPct,
			ElapsedSeconds: snap.ElapsedSeconds,
			ErrorMessage:   snap.ErrorMessage,
		}
	}

	s.logger.Info("index_status completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.String("project_name", projectInfo.Name),
		slog.String("project_type", projectInfo.Type))

	return output, nil
}

// embedderInfo reports the embedder's configured identity and its actual
// runtime tier, so clients can tell high-quality semantic search from the
// static fallback.
func (s *Server) embedderInfo(ctx context.Context) EmbeddingInfo {
	info := EmbeddingInfo{
		Provider: s.config.Embeddings.Provider,
		Model:    s.config.Embeddings.Model,
	}

	if s.embedder == nil {
		info.ActualProvider = "none"
		info.ActualModel = "none"
		info.IsFallbackActive = true
		info.SemanticQuality = "none"
		info.Status = "unavailable"
		return info
	}

	info.ActualModel = s.embedder.ModelName()
	info.Dimensions = s.embedder.Dimensions()
	info.IsFallbackActive = info.ActualModel == "static" || info.Dimensions == embed.StaticDimensions
	if info.IsFallbackActive {
		info.ActualProvider = "static"
		info.SemanticQuality = "low"
	} else {
		info.ActualProvider = "hugot"
		info.SemanticQuality = "high"
	}

	if s.embedder.Available(ctx) {
		info.Status = "ready"
	} else {
		info.Status = "unavailable"
	}
	return info
}

// ListResources returns all available resources.
func (s *Server) ListResources(ctx context.Context, cursor string) ([]ResourceInfo, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.metadata.GetChangedFiles(ctx, "", emptyTime)
	if err != nil {
		return nil, "", err
	}

	resources := make([]ResourceInfo, 0, len(files))
	for _, f := range files {
		resources = append(resources, ResourceInfo{
			URI:      fmt.Sprintf("file://%s", f.Path),
			Name:     f.Path,
			MIMEType: mimeTypeForLanguage(f.Language),
		})
	}

	return resources, "", nil // no pagination
}

// ReadResource reads a resource by URI. Only chunk:// URIs resolve;
// file:// listings exist for discovery but chunks are the retrieval unit.
func (s *Server) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunkID, ok := strings.CutPrefix(uri, "chunk://")
	if !ok {
		return nil, NewResourceNotFoundError(uri)
	}

	chunk, err := s.metadata.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, NewResourceNotFoundError(uri)
	}

	return &ResourceContent{
		URI:      uri,
		Content:  chunk.Content,
		MIMEType: mimeTypeForLanguage(chunk.Language),
	}, nil
}

// Serve runs the server on the chosen transport until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, transport, addr string) error {
	s.logger.Info("Starting MCP server",
		slog.String("transport", transport),
		slog.String("addr", addr))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("MCP server stopped with error",
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	case "sse":
		return fmt.Errorf("SSE transport not yet implemented")
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// Close releases server resources. The MCP server itself stops when its
// context is cancelled.
func (s *Server) Close() error {
	return nil
}

// mimeTypeForLanguage returns the MIME type for a programming language.
func mimeTypeForLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "go":
		return "text/x-go"
	case "typescript", "ts":
		return "text/typescript"
	case "javascript", "js":
		return "text/javascript"
	case "python", "py":
		return "text/x-python"
	case "rust", "rs":
		return "text/x-rust"
	case "java":
		return "text/x-java"
	case "c":
		return "text/x-c"
	case "cpp", "c++":
		return "text/x-c++"
	case "markdown", "md":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

// emptyTime is a zero time value for listing all files.
var emptyTime = time.Time{}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
