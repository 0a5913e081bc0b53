package chunk

import (
	"context"
)

// Chunk size defaults.
const (
	MaxChunkChars = 2000
	MaxChunkLines = 75
	OverlapLines  = 10
	OverlapChars  = 200

	// PreambleMaxLines and PreambleMaxChars bound the anchor chunk's
	// "Preamble" section.
	PreambleMaxLines = 30
	PreambleMaxChars = 1200
)

// ChunkType classifies what a chunk's source range represents.
type ChunkType string

const (
	ChunkTypeFunction  ChunkType = "function"
	ChunkTypeMethod    ChunkType = "method"
	ChunkTypeClass     ChunkType = "class"
	ChunkTypeInterface ChunkType = "interface"
	ChunkTypeTypeAlias ChunkType = "type_alias"
	ChunkTypeBlock     ChunkType = "block"
)

// Role characterizes a chunk's place in the call graph, derived by
// roleFor from complexity and distinct-callee count.
type Role string

const (
	RoleOrchestration Role = "ORCHESTRATION"
	RoleImplementation Role = "IMPLEMENTATION"
	RoleDefinition     Role = "DEFINITION"
)

// Chunk is the atomic indexed unit. Exactly one chunk per file has
// IsAnchor set; it carries FileSkeleton and uses ChunkIndex -1.
type Chunk struct {
	ID       string
	Path     string
	Hash     string
	Content  string // source text; EmbedText prepends the breadcrumb header
	DisplayText string

	StartLine  int
	EndLine    int
	ChunkIndex int
	IsAnchor   bool
	ChunkType  ChunkType

	// Context is the breadcrumb trail, e.g. ["File: x.go", "Class: Foo", "Method: Bar"].
	Context     []string
	ContextPrev string
	ContextNext string

	Complexity       int
	DefinedSymbols   []string
	ReferencedSymbols []string
	Imports          []string
	Exports          []string

	Role         Role
	ParentSymbol string

	// FileSkeleton is populated only on the anchor chunk.
	FileSkeleton string

	Language string
}

// EmbedText returns the text handed to the embedding workers: the
// breadcrumb header followed by the chunk's content.
func (c *Chunk) EmbedText() string {
	if len(c.Context) == 0 {
		return c.Content
	}
	header := ""
	for _, line := range c.Context {
		header += line + "\n"
	}
	return header + c.Content
}

// FileInput is input for the Chunker interface.
type FileInput struct {
	Path     string
	Content  []byte
	Language string
}

// Chunker is the interface for splitting files into semantic chunks.
type Chunker interface {
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)
	SupportedExtensions() []string
}

// SymbolType represents the kind of code symbol.
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing.
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// chunkTypeForSymbol maps the extractor's SymbolType onto the store-facing
// ChunkType enum (they diverge only in naming: "type" vs "type_alias").
func chunkTypeForSymbol(t SymbolType) ChunkType {
	switch t {
	case SymbolTypeFunction:
		return ChunkTypeFunction
	case SymbolTypeMethod:
		return ChunkTypeMethod
	case SymbolTypeClass:
		return ChunkTypeClass
	case SymbolTypeInterface:
		return ChunkTypeInterface
	case SymbolTypeType:
		return ChunkTypeTypeAlias
	default:
		return ChunkTypeBlock
	}
}

// Tree represents a parsed AST.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST.
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code.
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string

	// LineComment is the language's single-line comment marker, used to
	// build the anchor chunk's "Top comments" section.
	LineComment string
}
