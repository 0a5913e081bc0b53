package embedpool

// Frame kinds exchanged over a worker's stdin/stdout pipe. Every frame is a
// length-prefixed JSON envelope; see frame.go for the wire format.
const (
	KindRequest   = "request"
	KindResponse  = "response"
	KindHeartbeat = "heartbeat"
)

// Envelope is the outer wire frame. Exactly one of Request/Response/
// Heartbeat is populated, selected by Kind.
type Envelope struct {
	Kind      string     `json:"kind"`
	ID        uint64     `json:"id"`
	Method    string     `json:"method,omitempty"`
	Params    any        `json:"params,omitempty"`
	Result    any        `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

// Heartbeat marks progress within a long-running process_file task so the
// driver can distinguish "still working" from "hung".
type Heartbeat struct {
	TaskID uint64 `json:"task_id"`
	Stage  string `json:"stage"`
}

// Method names of the worker RPC surface.
const (
	MethodProcessFile = "process_file"
	MethodEncodeQuery = "encode_query"
	MethodRerank      = "rerank"
)

// ProcessFileParams requests that a worker read, chunk, embed, and
// skeletonize a single file. The worker re-reads the file itself so it can
// perform its own consistency check rather than trust driver-supplied bytes.
type ProcessFileParams struct {
	RelativePath string `json:"relative_path"`
	AbsPath      string `json:"abs_path"`
}

// VectorRecord is one embedded chunk ready for the Vector Store.
type VectorRecord struct {
	ChunkID          string    `json:"chunk_id"`
	ChunkIndex       int       `json:"chunk_index"`
	IsAnchor         bool      `json:"is_anchor"`
	StartLine        int       `json:"start_line"`
	EndLine          int       `json:"end_line"`
	ChunkType        string    `json:"chunk_type"`
	Content          string    `json:"content"`
	DisplayText      string    `json:"display_text"`
	Context          string    `json:"context"`
	Role             string    `json:"role"`
	ParentSymbol     string    `json:"parent_symbol"`
	Complexity       int       `json:"complexity"`
	DefinedSymbols   []string  `json:"defined_symbols,omitempty"`
	ReferencedSyms   []string  `json:"referenced_symbols,omitempty"`
	Imports          []string  `json:"imports,omitempty"`
	Exports          []string  `json:"exports,omitempty"`
	FileSkeleton     string    `json:"file_skeleton,omitempty"`
	Vector           []float32 `json:"vector"`
	ColbertPacked    []byte    `json:"colbert_packed"`
	ColbertScale     float32   `json:"colbert_scale"`
	ColbertTokens    int       `json:"colbert_tokens"`
	PooledColbert48D []float32 `json:"pooled_colbert_48d,omitempty"`
}

// ProcessFileResult is process_file's return value.
type ProcessFileResult struct {
	Hash         string         `json:"hash"`
	MtimeMS      int64          `json:"mtime_ms"`
	Size         int64          `json:"size"`
	ShouldDelete bool           `json:"should_delete,omitempty"`
	Records      []VectorRecord `json:"records"`
}

// EncodeQueryParams requests a query encoding.
type EncodeQueryParams struct {
	Text string `json:"text"`
}

// EncodeQueryResult carries the dense vector plus a row-normalized
// per-token late-interaction matrix for the query.
type EncodeQueryResult struct {
	Dense       []float32 `json:"dense"`
	ColbertFlat []float32 `json:"colbert_flat"`
	ColbertDim  int       `json:"colbert_dim"`
	Pooled      []float32 `json:"pooled"`
}

// RerankDoc is one candidate document's quantised late-interaction matrix.
type RerankDoc struct {
	PackedColbert []byte   `json:"packed_colbert"`
	Scale         float32  `json:"scale"`
	TokenIDs      []uint32 `json:"token_ids,omitempty"`
}

// RerankParams requests MaxSim scoring of docs against a query matrix.
type RerankParams struct {
	QueryMatrix []float32   `json:"query_matrix"`
	ColbertDim  int         `json:"colbert_dim"`
	Docs        []RerankDoc `json:"docs"`
}

// RerankResult is the per-document MaxSim score, in input order.
type RerankResult struct {
	Scores []float64 `json:"scores"`
}
