package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderift/semcode/internal/embedpool"
	"github.com/coderift/semcode/internal/scanner"
	"github.com/coderift/semcode/internal/store"
)

// fakeEmbedder is a FileEmbedder stand-in that returns one fixed-size
// vector record per file, so SyncEngine can be exercised without spawning
// a real embedpool.Pool.
type fakeEmbedder struct {
	calls      int
	failPaths  map[string]int // relPath -> number of remaining failures
	deletePath map[string]bool
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{failPaths: map[string]int{}, deletePath: map[string]bool{}}
}

func (f *fakeEmbedder) ProcessFile(ctx context.Context, relPath, absPath string) (*embedpool.ProcessFileResult, error) {
	f.calls++
	if n := f.failPaths[relPath]; n > 0 {
		f.failPaths[relPath] = n - 1
		return nil, assertErr("induced failure")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	hash := fileID(string(data)) // any deterministic content-derived string

	if f.deletePath[relPath] {
		return &embedpool.ProcessFileResult{Hash: hash, Size: info.Size(), ShouldDelete: true}, nil
	}

	return &embedpool.ProcessFileResult{
		Hash:    hash,
		MtimeMS: info.ModTime().UnixMilli(),
		Size:    info.Size(),
		Records: []embedpool.VectorRecord{
			{
				ChunkID:    relPath + "#anchor",
				ChunkIndex: -1,
				IsAnchor:   true,
				Content:    string(data),
				Vector:     []float32{0.1, 0.2, 0.3},
			},
		},
	}, nil
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// fakeVectorStore is a minimal in-memory store.VectorStore.
type fakeVectorStore struct {
	vecs map[string][]float32
}

func newFakeVectorStore() *fakeVectorStore { return &fakeVectorStore{vecs: map[string][]float32{}} }

func (f *fakeVectorStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	for i, id := range ids {
		f.vecs[id] = vectors[i]
	}
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error) {
	return nil, nil
}
func (f *fakeVectorStore) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(f.vecs, id)
	}
	return nil
}
func (f *fakeVectorStore) AllIDs() []string {
	ids := make([]string, 0, len(f.vecs))
	for id := range f.vecs {
		ids = append(ids, id)
	}
	return ids
}
func (f *fakeVectorStore) Contains(id string) bool { _, ok := f.vecs[id]; return ok }
func (f *fakeVectorStore) Count() int               { return len(f.vecs) }
func (f *fakeVectorStore) Save(path string) error   { return nil }
func (f *fakeVectorStore) Load(path string) error   { return nil }
func (f *fakeVectorStore) Close() error             { return nil }

// fakeBM25Index is a minimal in-memory store.BM25Index.
type fakeBM25Index struct {
	docs map[string]*store.Document
}

func newFakeBM25Index() *fakeBM25Index { return &fakeBM25Index{docs: map[string]*store.Document{}} }

func (f *fakeBM25Index) Index(ctx context.Context, docs []*store.Document) error {
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}
func (f *fakeBM25Index) Search(ctx context.Context, query string, limit int) ([]*store.BM25Result, error) {
	return nil, nil
}
func (f *fakeBM25Index) Delete(ctx context.Context, docIDs []string) error {
	for _, id := range docIDs {
		delete(f.docs, id)
	}
	return nil
}
func (f *fakeBM25Index) AllIDs() ([]string, error) {
	ids := make([]string, 0, len(f.docs))
	for id := range f.docs {
		ids = append(ids, id)
	}
	return ids, nil
}
func (f *fakeBM25Index) Stats() *store.IndexStats      { return &store.IndexStats{} }
func (f *fakeBM25Index) Save(path string) error         { return nil }
func (f *fakeBM25Index) Load(path string) error         { return nil }
func (f *fakeBM25Index) Close() error                   { return nil }

// newTestSyncEngine wires a SyncEngine against a real scanner and a real
// SQLite-backed metadata store rooted at dir, with fake vector/BM25/
// embedder dependencies so tests run without external processes.
func newTestSyncEngine(t *testing.T, dir string) (*SyncEngine, *fakeEmbedder, store.MetadataStore) {
	t.Helper()

	sc, err := scanner.New()
	require.NoError(t, err)

	metadata, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = metadata.Close() })

	emb := newFakeEmbedder()
	engine, err := NewSyncEngine(dir, sc, emb, metadata, newFakeVectorStore(), newFakeBM25Index())
	require.NoError(t, err)
	return engine, emb, metadata
}

func TestSyncEngine_FirstRunIndexesAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package a\nfunc Bar() {}\n"), 0644))

	engine, emb, _ := newTestSyncEngine(t, dir)

	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Indexed)
	assert.Equal(t, 2, emb.calls)
	assert.Empty(t, result.FailedFiles)
}

func TestSyncEngine_IdempotentSecondRun(t *testing.T) {
	// Re-running sync with no source changes must yield indexed=0 the
	// second time.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\nfunc Foo() {}\n"), 0644))

	engine, emb, _ := newTestSyncEngine(t, dir)

	_, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)
	assert.Equal(t, 1, emb.calls, "unchanged file must be skipped by the (mtime,size) meta hit, not re-dispatched")
}

func TestSyncEngine_DeleteOnChange(t *testing.T) {
	// Property 5: modifying a file between syncs replaces its rows.
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a\nfunc Foo() {}\n"), 0644))

	engine, _, metadata := newTestSyncEngine(t, dir)

	_, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)

	before, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)
	require.NotNil(t, before)

	// Force a new mtime so the meta-hit check in step 2a can't short-circuit.
	require.NoError(t, os.Chtimes(path, laterTime(before.ModTime), laterTime(before.ModTime)))
	require.NoError(t, os.WriteFile(path, []byte("package a\nfunc Bar() {}\n"), 0644))

	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Indexed)

	after, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
}

func TestSyncEngine_StaleFileRemovedOnDelete(t *testing.T) {
	// Property 5 / S3: deleting a file causes its rows to be removed on the
	// next sync, with indexed=0 for that run.
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.go")
	pathB := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(pathA, []byte("package a\nfunc Foo() {}\n"), 0644))
	require.NoError(t, os.WriteFile(pathB, []byte("package a\nfunc Bar() {}\n"), 0644))

	engine, _, metadata := newTestSyncEngine(t, dir)

	_, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(pathB))

	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)

	gone, err := metadata.GetFileByPath(context.Background(), engine.projectID, "b.go")
	require.NoError(t, err)
	assert.Nil(t, gone)

	stillThere, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)
	assert.NotNil(t, stillThere)
}

func TestSyncEngine_MtimeDriftWithoutHashChangeRefreshesMetaOnly(t *testing.T) {
	// mtime/size drift with unchanged content refreshes meta without
	// re-indexing.
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	content := []byte("package a\nfunc Foo() {}\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	engine, emb, metadata := newTestSyncEngine(t, dir)

	_, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	before, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)

	// Touch the file (new mtime) but keep content identical.
	require.NoError(t, os.Chtimes(path, laterTime(before.ModTime), laterTime(before.ModTime)))

	callsBefore := emb.calls
	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed, "content-identical mtime drift must not count as indexed")
	assert.Equal(t, callsBefore+1, emb.calls, "the file is still re-hashed by the worker")

	after, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.True(t, after.ModTime.After(before.ModTime) || after.ModTime.Equal(before.ModTime))
}

func TestSyncEngine_FailedFileIsCountedNotFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.go"), []byte("package a\n"), 0644))

	engine, emb, _ := newTestSyncEngine(t, dir)
	emb.failPaths["a.go"] = 1

	result, err := engine.Run(context.Background(), SyncConfig{}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.FailedFiles, "a.go")
	assert.Equal(t, 1, result.Indexed, "b.go should still be indexed despite a.go's failure")
}

func TestSyncEngine_DryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0644))

	engine, _, metadata := newTestSyncEngine(t, dir)

	result, err := engine.Run(context.Background(), SyncConfig{DryRun: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Indexed)

	got, err := metadata.GetFileByPath(context.Background(), engine.projectID, "a.go")
	require.NoError(t, err)
	assert.Nil(t, got, "dry run must not persist any file rows")
}

func laterTime(t time.Time) time.Time { return t.Add(2 * time.Second) }
