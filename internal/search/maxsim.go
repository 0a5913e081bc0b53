package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/coderift/semcode/internal/embedpool"
	"github.com/coderift/semcode/internal/store"
)

// EmbedPool is the subset of *embedpool.Pool the MaxSim reranker needs.
// Defined here (rather than imported as a concrete type) so tests can
// substitute a fake pool without spawning worker processes.
type EmbedPool interface {
	EncodeQuery(ctx context.Context, text string) (*embedpool.EncodeQueryResult, error)
	Rerank(ctx context.Context, queryMatrix []float32, colbertDim int, docs []embedpool.RerankDoc) ([]float64, error)
}

// ColbertReranker is implemented by rerankers that can score candidates
// directly from their stored late-interaction matrices instead of raw text.
// The engine prefers this path over Reranker.Rerank when available, since
// re-deriving a MaxSim score from text would require re-embedding documents
// the worker pool already embedded once at index time.
type ColbertReranker interface {
	Reranker
	RerankChunks(ctx context.Context, query string, chunks []*store.Chunk) ([]RerankResult, error)
}

// MaxSimReranker scores fused candidates by
// late-interaction MaxSim against the query's per-token matrix, using the
// already-quantised colbert column rather than re-embedding document text.
type MaxSimReranker struct {
	pool EmbedPool
}

var _ ColbertReranker = (*MaxSimReranker)(nil)

// NewMaxSimReranker wraps an embedding worker pool as a ColbertReranker.
func NewMaxSimReranker(pool EmbedPool) *MaxSimReranker {
	return &MaxSimReranker{pool: pool}
}

// Available reports whether the underlying pool is configured.
func (m *MaxSimReranker) Available(_ context.Context) bool {
	return m.pool != nil
}

// Close is a no-op; the pool's lifecycle is owned by its constructor.
func (m *MaxSimReranker) Close() error {
	return nil
}

// Rerank satisfies the plain-text Reranker interface for callers that only
// have content strings. MaxSim needs a per-token document matrix, which
// plain text alone doesn't carry, so this always fails; callers holding
// chunk references should call RerankChunks instead, and the engine does so
// automatically via the ColbertReranker type assertion.
func (m *MaxSimReranker) Rerank(_ context.Context, _ string, _ []string, _ int) ([]RerankResult, error) {
	return nil, fmt.Errorf("maxsim reranker requires chunk colbert data: use RerankChunks")
}

// RerankChunks scores each chunk's quantised late-interaction matrix against
// the query's token matrix via the worker pool's MaxSim implementation, and
// returns results sorted by score descending.
func (m *MaxSimReranker) RerankChunks(ctx context.Context, query string, chunks []*store.Chunk) ([]RerankResult, error) {
	if m.pool == nil {
		return nil, fmt.Errorf("maxsim reranker has no worker pool")
	}
	if len(chunks) == 0 {
		return []RerankResult{}, nil
	}

	qr, err := m.pool.EncodeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	docs := make([]embedpool.RerankDoc, len(chunks))
	for i, c := range chunks {
		docs[i] = embedpool.RerankDoc{
			PackedColbert: int8SliceToBytes(c.Colbert),
			Scale:         c.ColbertScale,
		}
	}

	scores, err := m.pool.Rerank(ctx, qr.ColbertFlat, qr.ColbertDim, docs)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	if len(scores) != len(chunks) {
		return nil, fmt.Errorf("rerank returned %d scores for %d chunks", len(scores), len(chunks))
	}

	results := make([]RerankResult, len(chunks))
	for i, s := range scores {
		results[i] = RerankResult{Index: i, Score: s, Document: chunks[i].Content}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// int8SliceToBytes reinterprets a quantised colbert matrix as raw bytes for
// the wire protocol; the bit pattern of int8 and byte is identical, only the
// sign interpretation differs, and the worker unpacks it back to int8.
func int8SliceToBytes(v []int8) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	for i, b := range v {
		out[i] = byte(b)
	}
	return out
}
