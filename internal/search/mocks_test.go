package search

import (
	"context"
	"sync"
	"time"

	"github.com/coderift/semcode/internal/store"
)

// Function-field mocks for the engine's store dependencies. A nil function
// field means "return the zero value" so each test only fills in what it
// exercises.

// MockBM25Index implements store.BM25Index.
type MockBM25Index struct {
	IndexFn  func(ctx context.Context, docs []*store.Document) error
	SearchFn func(ctx context.Context, query string, limit int) ([]*store.BM25Result, error)
	DeleteFn func(ctx context.Context, docIDs []string) error
}

func (m *MockBM25Index) Index(ctx context.Context, docs []*store.Document) error {
	if m.IndexFn != nil {
		return m.IndexFn(ctx, docs)
	}
	return nil
}

func (m *MockBM25Index) Search(ctx context.Context, query string, limit int) ([]*store.BM25Result, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, limit)
	}
	return nil, nil
}

func (m *MockBM25Index) Delete(ctx context.Context, docIDs []string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, docIDs)
	}
	return nil
}

func (m *MockBM25Index) AllIDs() ([]string, error) { return nil, nil }

func (m *MockBM25Index) Stats() *store.IndexStats { return &store.IndexStats{} }

func (m *MockBM25Index) Close() error { return nil }

// MockVectorStore implements store.VectorStore.
type MockVectorStore struct {
	AddFn    func(ctx context.Context, ids []string, vectors [][]float32) error
	SearchFn func(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error)
	DeleteFn func(ctx context.Context, ids []string) error
	CountFn  func() int
}

func (m *MockVectorStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if m.AddFn != nil {
		return m.AddFn(ctx, ids, vectors)
	}
	return nil
}

func (m *MockVectorStore) Search(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error) {
	if m.SearchFn != nil {
		return m.SearchFn(ctx, query, k)
	}
	return nil, nil
}

func (m *MockVectorStore) Delete(ctx context.Context, ids []string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, ids)
	}
	return nil
}

func (m *MockVectorStore) AllIDs() []string { return nil }

func (m *MockVectorStore) Contains(_ string) bool { return false }

func (m *MockVectorStore) Count() int {
	if m.CountFn != nil {
		return m.CountFn()
	}
	return 0
}

func (m *MockVectorStore) Save(_ string) error { return nil }

func (m *MockVectorStore) Load(_ string) error { return nil }

func (m *MockVectorStore) Close() error { return nil }

// MockEmbedder implements embed.Embedder.
type MockEmbedder struct {
	EmbedFn      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFn func(ctx context.Context, texts []string) ([][]float32, error)
	DimensionsFn func() int
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return make([]float32, m.Dimensions()), nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFn != nil {
		return m.EmbedBatchFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, m.Dimensions())
	}
	return out, nil
}

func (m *MockEmbedder) Dimensions() int {
	if m.DimensionsFn != nil {
		return m.DimensionsFn()
	}
	return 768
}

func (m *MockEmbedder) ModelName() string { return "mock-embedder" }

func (m *MockEmbedder) Available(_ context.Context) bool { return true }

func (m *MockEmbedder) Close() error { return nil }

func (m *MockEmbedder) SetBatchIndex(_ int) {}

func (m *MockEmbedder) SetFinalBatch(_ bool) {}

// MockMetadataStore is an in-memory store.MetadataStore; only the chunk
// map is backed by real state, everything else is a no-op.
type MockMetadataStore struct {
	mu     sync.RWMutex
	chunks map[string]*store.Chunk
	state  map[string]string
}

// NewMockMetadataStore creates an empty in-memory metadata store.
func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{
		chunks: make(map[string]*store.Chunk),
		state:  make(map[string]string),
	}
}

func (m *MockMetadataStore) SaveProject(_ context.Context, _ *store.Project) error { return nil }

func (m *MockMetadataStore) GetProject(_ context.Context, _ string) (*store.Project, error) {
	return nil, nil
}

func (m *MockMetadataStore) UpdateProjectStats(_ context.Context, _ string, _, _ int) error {
	return nil
}

func (m *MockMetadataStore) RefreshProjectStats(_ context.Context, _ string) error { return nil }

func (m *MockMetadataStore) SaveFiles(_ context.Context, _ []*store.File) error { return nil }

func (m *MockMetadataStore) GetFileByPath(_ context.Context, _, _ string) (*store.File, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetChangedFiles(_ context.Context, _ string, _ time.Time) ([]*store.File, error) {
	return nil, nil
}

func (m *MockMetadataStore) ListFiles(_ context.Context, _ string, _ string, _ int) ([]*store.File, string, error) {
	return nil, "", nil
}

func (m *MockMetadataStore) GetFilePathsByProject(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetFilesForReconciliation(_ context.Context, _ string) (map[string]*store.File, error) {
	return nil, nil
}

func (m *MockMetadataStore) ListFilePathsUnder(_ context.Context, _, _ string) ([]string, error) {
	return nil, nil
}

func (m *MockMetadataStore) DeleteFile(_ context.Context, _ string) error { return nil }

func (m *MockMetadataStore) DeleteFilesByProject(_ context.Context, _ string) error { return nil }

func (m *MockMetadataStore) SaveChunks(_ context.Context, chunks []*store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *MockMetadataStore) GetChunk(_ context.Context, id string) (*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunks[id], nil
}

func (m *MockMetadataStore) GetChunks(_ context.Context, ids []string) ([]*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) GetChunksByFile(_ context.Context, fileID string) ([]*store.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*store.Chunk
	for _, c := range m.chunks {
		if c.FileID == fileID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockMetadataStore) DeleteChunks(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *MockMetadataStore) DeleteChunksByFile(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.FileID == fileID {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *MockMetadataStore) SearchSymbols(_ context.Context, _ string, _ int) ([]*store.Symbol, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetState(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[key], nil
}

func (m *MockMetadataStore) SetState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

func (m *MockMetadataStore) SaveChunkEmbeddings(_ context.Context, _ []string, _ [][]float32, _ string) error {
	return nil
}

func (m *MockMetadataStore) GetAllEmbeddings(_ context.Context) (map[string][]float32, error) {
	return nil, nil
}

func (m *MockMetadataStore) GetEmbeddingStats(_ context.Context) (int, int, error) { return 0, 0, nil }

func (m *MockMetadataStore) SaveIndexCheckpoint(_ context.Context, _ string, _, _ int, _ string) error {
	return nil
}

func (m *MockMetadataStore) LoadIndexCheckpoint(_ context.Context) (*store.IndexCheckpoint, error) {
	return nil, nil
}

func (m *MockMetadataStore) ClearIndexCheckpoint(_ context.Context) error { return nil }

func (m *MockMetadataStore) Close() error { return nil }
