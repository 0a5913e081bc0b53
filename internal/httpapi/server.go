// Package httpapi implements the project-local HTTP search endpoint:
// GET /health and POST /search. It is a thin wrapper over
// search.SearchEngine; all ranking and fusion logic lives in the search
// package.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coderift/semcode/internal/search"
	"github.com/coderift/semcode/internal/store"
)

// maxSearchPayloadBytes bounds the POST /search request body; requests
// above this size are rejected with 413 before the body is even decoded.
const maxSearchPayloadBytes = 1 << 20 // 1 MB

// DefaultRequestTimeout bounds how long a single /search request may take
// before the handler aborts it and returns a structured timeout error.
const DefaultRequestTimeout = 30 * time.Second

// Server wraps a search.SearchEngine with the plain HTTP surface. It
// holds no state of its own beyond the engine handle and a request
// timeout; the engine, stores, and worker pool it was built with remain
// owned by the caller (serveProject / daemon, not Server).
type Server struct {
	engine         search.SearchEngine
	requestTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout overrides the default per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// New constructs a Server bound to engine.
func New(engine search.SearchEngine, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler exposing GET /health and POST /search.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/search", s.handleSearch)
	return mux
}

// ListenAndServe starts the HTTP endpoint on addr and blocks until ctx is
// cancelled, then shuts down gracefully within shutdownGrace.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdownGrace bounds how long ListenAndServe waits for in-flight
// requests to finish once its context is cancelled.
const shutdownGrace = 5 * time.Second

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// searchRequest is the body of POST /search.
type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	Path  string `json:"path,omitempty"`
}

// searchResponse is the body of a successful POST /search.
type searchResponse struct {
	Results []chunkResult `json:"results"`
}

// chunkResult mirrors the on-disk Chunk fields that are
// useful to an HTTP caller; vectors are never serialized over this surface.
type chunkResult struct {
	Path              string   `json:"path"`
	StartLine         int      `json:"start_line"`
	EndLine           int      `json:"end_line"`
	ChunkType         string   `json:"chunk_type,omitempty"`
	IsAnchor          bool     `json:"is_anchor"`
	Role              string   `json:"role,omitempty"`
	Content           string   `json:"content"`
	Score             float64  `json:"score"`
	DefinedSymbols    []string `json:"defined_symbols,omitempty"`
	ReferencedSymbols []string `json:"referenced_symbols,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSearchPayloadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	var req searchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query_required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	opts := search.SearchOptions{Limit: limit}
	if req.Path != "" {
		opts.Scopes = []string{req.Path}
	}

	results, err := s.engine.Search(ctx, req.Query, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "search_timeout")
			return
		}
		slog.Error("http_search_failed", slog.String("query", req.Query), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{Results: toChunkResults(results)})
}

func toChunkResults(results []*search.SearchResult) []chunkResult {
	out := make([]chunkResult, 0, len(results))
	for _, r := range results {
		if r == nil || r.Chunk == nil {
			continue
		}
		out = append(out, fromChunk(r.Chunk, r.Score))
	}
	return out
}

func fromChunk(c *store.Chunk, score float64) chunkResult {
	return chunkResult{
		Path:              c.FilePath,
		StartLine:         c.StartLine,
		EndLine:           c.EndLine,
		ChunkType:         string(c.ContentType),
		IsAnchor:          c.IsAnchor,
		Role:              c.Role,
		Content:           c.Content,
		Score:             score,
		DefinedSymbols:    c.DefinedSymbols,
		ReferencedSymbols: c.ReferencedSymbols,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("http_encode_failed", slog.String("error", err.Error()))
	}
}
