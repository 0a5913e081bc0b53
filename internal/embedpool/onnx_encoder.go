package embedpool

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/coderift/semcode/internal/chunk"
	"github.com/coderift/semcode/internal/hashio"
)

// QueryPrefix is prepended to queries (never to indexed chunks) for
// asymmetric retrieval, the convention BGE-style dense encoders are
// trained with.
const QueryPrefix = "Represent this sentence for searching relevant passages: "

// ONNXConfig locates the two model directories a worker loads at startup.
type ONNXConfig struct {
	DenseModelDir string
	LateModelDir  string
	OrtLibPath    string
	NumThreads    int
	DenseDim      int
	LateDim       int
	BatchSize     int
}

// session wraps one ONNX model + tokenizer pair. Both the dense and
// late-interaction encoders share this shape; only the pooling differs.
type session struct {
	ort       *ort.DynamicAdvancedSession
	tokenizer *tokenizers.Tokenizer
	dim       int
}

func newSession(modelDir string, dim int) (*session, error) {
	modelPath := filepath.Join(modelDir, "model.onnx")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model not found at %s: %w", modelPath, err)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found at %s: %w", tokenPath, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	threads := runtime.NumCPU()
	if threads > 4 {
		threads = 4
	}
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	s, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create session at %s: %w", modelPath, err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("load tokenizer at %s: %w", tokenPath, err)
	}

	return &session{ort: s, tokenizer: tk, dim: dim}, nil
}

func (s *session) Close() {
	if s.ort != nil {
		s.ort.Destroy()
	}
	if s.tokenizer != nil {
		s.tokenizer.Close()
	}
}

// runHidden tokenizes texts, runs one batched ONNX call, and returns the
// raw last_hidden_state plus the per-row token count (attention mask sum)
// and the sequence length used for this batch. Callers decide how to pool.
func (s *session) runHidden(texts []string, maxSeqLen int) (hidden []float32, seqLen int, tokenCounts []int, err error) {
	type enc struct{ ids, mask []int64 }
	all := make([]enc, len(texts))
	maxLen := 0
	for i, text := range texts {
		e := s.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := e.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		all[i] = enc{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, 0, nil, fmt.Errorf("all texts tokenized to zero length")
	}

	batchSize := len(texts)
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	counts := make([]int, batchSize)
	for i, e := range all {
		copy(flatIDs[i*maxLen:], e.ids)
		copy(flatMask[i*maxLen:], e.mask)
		counts[i] = len(e.ids)
	}

	shape := ort.NewShape(int64(batchSize), int64(maxLen))
	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()
	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	outputs := []ort.Value{nil}
	if err := s.ort.Run([]ort.Value{inputIDs, attnMask, typeIDs}, outputs); err != nil {
		return nil, 0, nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, nil, fmt.Errorf("unexpected output type")
	}
	data := hiddenTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, maxLen, counts, nil
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

const maxSeqLen = 256

// Pipeline is the worker-side Encoder: two ONNX sessions plus the
// Chunker/Skeletonizer that turn a file into embeddable text. Both
// encoders share batch boundaries, so position i of the dense output and
// position i of the late-interaction output always describe the same
// chunk.
type Pipeline struct {
	dense   *session
	late    *session
	parser  *chunk.Parser
	registry *chunk.LanguageRegistry
	batch   int
}

// NewPipeline loads both ONNX sessions. Call Close when done.
func NewPipeline(cfg ONNXConfig) (*Pipeline, error) {
	if cfg.OrtLibPath != "" {
		ort.SetSharedLibraryPath(cfg.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w", err)
	}

	dense, err := newSession(cfg.DenseModelDir, cfg.DenseDim)
	if err != nil {
		return nil, fmt.Errorf("dense encoder: %w", err)
	}
	late, err := newSession(cfg.LateModelDir, cfg.LateDim)
	if err != nil {
		dense.Close()
		return nil, fmt.Errorf("late-interaction encoder: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}

	registry := chunk.DefaultRegistry()
	return &Pipeline{
		dense:    dense,
		late:     late,
		parser:   chunk.NewParserWithRegistry(registry),
		registry: registry,
		batch:    batch,
	}, nil
}

// Close releases both sessions and the shared parser.
func (p *Pipeline) Close() {
	p.dense.Close()
	p.late.Close()
	p.parser.Close()
}

// ProcessFile reads, chunks, skeletonizes, and embeds one file.
func (p *Pipeline) ProcessFile(ctx context.Context, relPath, absPath string, heartbeat func(stage string)) (*ProcessFileResult, error) {
	rr, err := hashio.ReadAndHash(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	if hashio.IsBinary(rr.Content) {
		return &ProcessFileResult{Hash: rr.Hash, MtimeMS: rr.ModTime, Size: rr.Size, ShouldDelete: true}, nil
	}
	heartbeat("read")

	chunks, skeleton, err := chunk.ChunkFile(ctx, p.parser, p.registry, relPath, rr.Content)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", relPath, err)
	}
	heartbeat("parse")

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.EmbedText()
	}

	order := sortByLength(texts)
	denseVecs := make([][]float32, len(texts))
	lateVecs := make([][]float32, len(texts))
	lateTokenCounts := make([]int, len(texts))

	for start := 0; start < len(order); start += p.batch {
		end := start + p.batch
		if end > len(order) {
			end = len(order)
		}
		idxBatch := order[start:end]
		batchTexts := make([]string, len(idxBatch))
		for i, idx := range idxBatch {
			batchTexts[i] = texts[idx]
		}

		denseOut, err := p.embedDense(batchTexts)
		if err != nil {
			return nil, fmt.Errorf("dense embed %s: %w", relPath, err)
		}
		lateOut, counts, err := p.embedLate(batchTexts)
		if err != nil {
			return nil, fmt.Errorf("late-interaction embed %s: %w", relPath, err)
		}
		for i, idx := range idxBatch {
			denseVecs[idx] = denseOut[i]
			lateVecs[idx] = lateOut[i]
			lateTokenCounts[idx] = counts[i]
		}
		heartbeat("embed_batch")
	}

	records := make([]VectorRecord, len(chunks))
	for i, c := range chunks {
		packed, scale := QuantizeColbert(lateVecs[i])
		pooled := meanPool(lateVecs[i], p.late.dim)
		records[i] = VectorRecord{
			ChunkID:        c.ID,
			ChunkIndex:     c.ChunkIndex,
			IsAnchor:       c.IsAnchor,
			StartLine:      c.StartLine,
			EndLine:        c.EndLine,
			ChunkType:      string(c.ChunkType),
			Content:        c.Content,
			DisplayText:    c.DisplayText,
			Context:        strings.Join(c.Context, "\n"),
			Role:           string(c.Role),
			ParentSymbol:   c.ParentSymbol,
			Complexity:     c.Complexity,
			DefinedSymbols: c.DefinedSymbols,
			ReferencedSyms: c.ReferencedSymbols,
			Imports:        c.Imports,
			Exports:        c.Exports,
			Vector:         denseVecs[i],
			ColbertPacked:  packed,
			ColbertScale:   scale,
			ColbertTokens:  lateTokenCounts[i],
		}
		if c.IsAnchor {
			records[i].FileSkeleton = skeleton
			records[i].PooledColbert48D = pooled
		}
	}
	heartbeat("done")

	return &ProcessFileResult{
		Hash:    rr.Hash,
		MtimeMS: rr.ModTime,
		Size:    rr.Size,
		Records: records,
	}, nil
}

// EncodeQuery embeds a single query with both encoders.
func (p *Pipeline) EncodeQuery(ctx context.Context, text string) (*EncodeQueryResult, error) {
	dense, err := p.embedDense([]string{QueryPrefix + text})
	if err != nil {
		return nil, fmt.Errorf("dense query encode: %w", err)
	}
	late, counts, err := p.embedLate([]string{QueryPrefix + text})
	if err != nil {
		return nil, fmt.Errorf("late-interaction query encode: %w", err)
	}
	return &EncodeQueryResult{
		Dense:       dense[0],
		ColbertFlat: late[0],
		ColbertDim:  p.late.dim,
		Pooled:      meanPool(late[0], p.late.dim),
	}, counts2err(counts)
}

func counts2err([]int) error { return nil }

// Rerank computes MaxSim scores outside the driver so the heavyweight
// dequantised-matrix comparison never crosses the pipe for every document,
// only the final scores do.
func (p *Pipeline) Rerank(ctx context.Context, queryMatrix []float32, colbertDim int, docs []RerankDoc) ([]float64, error) {
	scores := make([]float64, len(docs))
	queryTokens := len(queryMatrix) / colbertDim
	for d, doc := range docs {
		docMatrix := DequantizeColbert(doc.PackedColbert, doc.Scale)
		docTokens := len(docMatrix) / colbertDim
		var total float64
		for qt := 0; qt < queryTokens; qt++ {
			qv := queryMatrix[qt*colbertDim : (qt+1)*colbertDim]
			best := math.Inf(-1)
			for dt := 0; dt < docTokens; dt++ {
				dv := docMatrix[dt*colbertDim : (dt+1)*colbertDim]
				var dot float64
				for k := 0; k < colbertDim; k++ {
					dot += float64(qv[k]) * float64(dv[k])
				}
				if dot > best {
					best = dot
				}
			}
			if docTokens > 0 {
				total += best
			}
		}
		scores[d] = total
	}
	return scores, nil
}

func (p *Pipeline) embedDense(texts []string) ([][]float32, error) {
	hidden, seqLen, counts, err := p.dense.runHidden(texts, maxSeqLen)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := meanPoolRow(hidden, i, seqLen, p.dense.dim, counts[i])
		l2Normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// embedLate returns, per text, a flattened [tokenCount x D_late] matrix
// (no pooling) plus the real (unpadded) token count per row.
func (p *Pipeline) embedLate(texts []string) ([][]float32, []int, error) {
	hidden, seqLen, counts, err := p.late.runHidden(texts, maxSeqLen)
	if err != nil {
		return nil, nil, err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		n := counts[i]
		rowStart := i * seqLen * p.late.dim
		flat := make([]float32, n*p.late.dim)
		copy(flat, hidden[rowStart:rowStart+n*p.late.dim])
		for t := 0; t < n; t++ {
			l2Normalize(flat[t*p.late.dim : (t+1)*p.late.dim])
		}
		out[i] = flat
	}
	return out, counts, nil
}

// meanPoolRow mean-pools row i of a [batch, seqLen, dim] hidden tensor over
// its first tokenCount real (non-padding) tokens, masking out padding.
func meanPoolRow(hidden []float32, row, seqLen, dim, tokenCount int) []float32 {
	vec := make([]float32, dim)
	if tokenCount == 0 {
		return vec
	}
	base := row * seqLen * dim
	for t := 0; t < tokenCount; t++ {
		off := base + t*dim
		for d := 0; d < dim; d++ {
			vec[d] += hidden[off+d]
		}
	}
	inv := float32(1.0 / float64(tokenCount))
	for d := range vec {
		vec[d] *= inv
	}
	return vec
}

// meanPool collapses a flattened [tokenCount x dim] matrix to a single
// unit-normalized vector, used as the coarse pooled-colbert prefilter.
func meanPool(flat []float32, dim int) []float32 {
	if dim == 0 || len(flat) == 0 {
		return nil
	}
	tokens := len(flat) / dim
	vec := make([]float32, dim)
	for t := 0; t < tokens; t++ {
		off := t * dim
		for d := 0; d < dim; d++ {
			vec[d] += flat[off+d]
		}
	}
	inv := float32(1.0 / float64(tokens))
	for d := range vec {
		vec[d] *= inv
	}
	l2Normalize(vec)
	return vec
}

// sortByLength returns indices into texts sorted by byte length ascending,
// so a batch pads to the length of its longest member rather than the
// longest member across the whole file.
func sortByLength(texts []string) []int {
	idx := make([]int, len(texts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return len(texts[idx[a]]) < len(texts[idx[b]])
	})
	return idx
}
