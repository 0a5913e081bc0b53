package chunk

import (
	"bytes"
	"context"
	"sort"
	"strings"
)

// CodeChunker splits grammar-backed source files into one chunk per
// top-level definition (function, method, class, interface, type alias),
// plus one block chunk for whatever source falls between definitions
// (package-level vars, standalone comments, blank runs). Class members are
// recursed into one level so each method gets its own chunk too.
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
}

// NewCodeChunker creates a chunker backed by the default language registry.
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithRegistry(DefaultRegistry())
}

// NewCodeChunkerWithRegistry creates a chunker backed by a custom registry.
func NewCodeChunkerWithRegistry(registry *LanguageRegistry) *CodeChunker {
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
	}
}

// Close releases the underlying tree-sitter parser.
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns the file extensions this chunker can parse.
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits file into chunks. Files in an unregistered language, or that
// fail to parse, fall back to a fixed-window line chunker.
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(bytes.TrimSpace(file.Content)) == 0 {
		return nil, nil
	}

	config, ok := c.registry.GetByName(file.Language)
	if !ok {
		return chunkByLines(file.Path, file.Language, string(file.Content)), nil
	}

	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil || tree.Root == nil {
		return chunkByLines(file.Path, file.Language, string(file.Content)), nil
	}

	entries := c.collectTopLevel(tree, config, file.Language)
	if len(entries) == 0 {
		return chunkByLines(file.Path, file.Language, string(file.Content)), nil
	}

	return c.emit(tree, entries, file), nil
}

// defEntry is one top-level (or one-level-nested) definition found while
// walking the root of the parse tree.
type defEntry struct {
	node       *Node
	kind       ChunkType
	name       string
	parentKind string
	parentName string
	members    []*defEntry
}

// collectTopLevel iterates the root's direct children only: nested blocks
// (function bodies, if-statements) are never mistaken for top-level
// definitions; the symbol walk distinguishes declarations from usage the
// same way.
func (c *CodeChunker) collectTopLevel(tree *Tree, config *LanguageConfig, language string) []*defEntry {
	var entries []*defEntry
	for _, child := range tree.Root.Children {
		e := c.classify(child, tree.Source, config, language, "", "")
		if e == nil {
			continue
		}
		if e.kind == ChunkTypeClass {
			e.members = c.collectMembers(child, tree.Source, config, language, e.name)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].node.StartByte < entries[j].node.StartByte })
	return entries
}

// collectMembers walks one level into a class/struct body to find its
// methods, so each method still gets its own chunk and breadcrumb.
func (c *CodeChunker) collectMembers(classNode *Node, source []byte, config *LanguageConfig, language, className string) []*defEntry {
	body := classBody(classNode, language)
	if body == nil {
		return nil
	}
	var members []*defEntry
	for _, child := range body.Children {
		if e := c.classify(child, source, config, language, "Class", className); e != nil {
			members = append(members, e)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].node.StartByte < members[j].node.StartByte })
	return members
}

// classBody finds the node holding a class's members, which tree-sitter
// grammars name differently.
func classBody(n *Node, language string) *Node {
	if language == "python" {
		return n.FindChildByType("block")
	}
	return n.FindChildByType("class_body")
}

func (c *CodeChunker) classify(n *Node, source []byte, config *LanguageConfig, language, parentKind, parentName string) *defEntry {
	switch {
	case containsType(config.ClassTypes, n.Type):
		if name := c.extractor.extractName(n, source, config, language); name != "" {
			return &defEntry{node: n, kind: ChunkTypeClass, name: name}
		}
	case containsType(config.InterfaceTypes, n.Type):
		if name := c.extractor.extractName(n, source, config, language); name != "" {
			return &defEntry{node: n, kind: ChunkTypeInterface, name: name}
		}
	case containsType(config.TypeDefTypes, n.Type):
		if name := c.extractor.extractName(n, source, config, language); name != "" {
			return &defEntry{node: n, kind: ChunkTypeTypeAlias, name: name}
		}
	case containsType(config.MethodTypes, n.Type):
		if name := c.extractor.extractName(n, source, config, language); name != "" {
			return &defEntry{node: n, kind: ChunkTypeMethod, name: name, parentKind: parentKind, parentName: parentName}
		}
	case containsType(config.FunctionTypes, n.Type):
		if name := c.extractor.extractName(n, source, config, language); name != "" {
			kind := ChunkTypeFunction
			if parentName != "" {
				// Python represents methods as plain function_definition
				// nodes nested in the class body.
				kind = ChunkTypeMethod
			}
			return &defEntry{node: n, kind: kind, name: name, parentKind: parentKind, parentName: parentName}
		}
	case containsType(config.ConstantTypes, n.Type), containsType(config.VariableTypes, n.Type):
		if sym := c.extractor.extractSpecialSymbol(n, source, language); sym != nil {
			return &defEntry{node: n, kind: ChunkTypeFunction, name: sym.Name, parentKind: parentKind, parentName: parentName}
		}
	}
	return nil
}

func containsType(types []string, t string) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// emit walks the sorted top-level entries, emitting a block chunk for each
// gap between definitions plus one or more chunks per definition (split if
// oversized), then assigns final sequential chunk indices.
func (c *CodeChunker) emit(tree *Tree, entries []*defEntry, file *FileInput) []*Chunk {
	var chunks []*Chunk
	source := tree.Source
	cursor := uint32(0)

	for _, e := range entries {
		chunks = append(chunks, gapChunk(file, source, cursor, e.node.StartByte)...)
		chunks = append(chunks, c.definitionChunks(file, e)...)
		for _, m := range e.members {
			chunks = append(chunks, c.definitionChunks(file, m)...)
		}
		cursor = e.node.EndByte
	}
	chunks = append(chunks, gapChunk(file, source, cursor, uint32(len(source)))...)

	for i, ch := range chunks {
		ch.ChunkIndex = i
	}
	stitchNeighbors(chunks)
	return chunks
}

func (c *CodeChunker) definitionChunks(file *FileInput, e *defEntry) []*Chunk {
	content := e.node.GetContent(file.Content)
	startLine := int(e.node.StartPoint.Row)
	endLine := int(e.node.EndPoint.Row)

	var complexity int
	var callees []string
	if e.kind == ChunkTypeFunction || e.kind == ChunkTypeMethod {
		complexity, callees = analyzeFunctionBody(e.node, file.Content)
	}

	role := RoleDefinition
	if e.kind == ChunkTypeFunction || e.kind == ChunkTypeMethod {
		role = roleFor(complexity, len(callees))
	}

	var defined []string
	if e.name != "" {
		defined = []string{e.name}
	}

	base := &Chunk{
		Path:              file.Path,
		Content:           content,
		DisplayText:       content,
		StartLine:         startLine,
		EndLine:           endLine,
		ChunkType:         e.kind,
		Context:           breadcrumb(file.Path, e.parentKind, e.parentName, kindLabel(e.kind), e.name),
		Complexity:        complexity,
		DefinedSymbols:    defined,
		ReferencedSymbols: callees,
		Role:              role,
		ParentSymbol:      e.parentName,
		Language:          file.Language,
	}

	return splitChunk(base)
}

// gapChunk turns the source range [start, end) into zero or more block
// chunks, trimming leading/trailing blank lines so line-number bookkeeping
// stays accurate.
func gapChunk(file *FileInput, source []byte, start, end uint32) []*Chunk {
	if end <= start {
		return nil
	}
	raw := string(source[start:end])
	trimmed, leadingBlank := trimBlankLines(raw)
	if trimmed == "" {
		return nil
	}

	startLine := bytes.Count(source[:start], []byte("\n")) + leadingBlank
	base := &Chunk{
		Path:        file.Path,
		Content:     trimmed,
		DisplayText: trimmed,
		StartLine:   startLine,
		EndLine:     startLine + strings.Count(trimmed, "\n"),
		ChunkType:   ChunkTypeBlock,
		Context:     breadcrumb(file.Path, "", "", "", ""),
		Role:        RoleDefinition,
		Language:    file.Language,
	}
	return splitChunk(base)
}

func trimBlankLines(s string) (string, int) {
	lines := strings.Split(s, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start >= end {
		return "", 0
	}
	return strings.Join(lines[start:end], "\n"), start
}

// splitChunk breaks base into overlapping sub-chunks when it exceeds
// MaxChunkLines or MaxChunkChars, reattaching the definition's signature
// line to every sub-chunk after the first so each piece stays
// self-describing in isolation.
func splitChunk(base *Chunk) []*Chunk {
	lines := strings.Split(base.Content, "\n")
	if len(lines) <= MaxChunkLines && len(base.Content) <= MaxChunkChars {
		base.ID = chunkID(base.Path, base.Content)
		return []*Chunk{base}
	}

	header := ""
	if base.ChunkType != ChunkTypeBlock {
		header = firstNonBlankLine(base.Content)
	}

	var out []*Chunk
	i := 0
	for i < len(lines) {
		end := i
		charCount := 0
		for end < len(lines) && end-i < MaxChunkLines {
			l := lines[end]
			if end > i && charCount+len(l)+1 > MaxChunkChars {
				break
			}
			charCount += len(l) + 1
			end++
		}
		if end == i {
			end = i + 1
		}

		segment := strings.Join(lines[i:end], "\n")
		content := segment
		if header != "" && i > 0 && !strings.Contains(segment, header) {
			content = header + "\n" + segment
		}

		sub := *base
		sub.Content = content
		sub.DisplayText = content
		sub.StartLine = base.StartLine + i
		sub.EndLine = base.StartLine + end - 1
		sub.ID = chunkID(base.Path, content)
		out = append(out, &sub)

		if end >= len(lines) {
			break
		}
		next := end - OverlapLines
		if next <= i {
			next = i + 1
		}
		i = next
	}
	return out
}

// stitchNeighbors populates ContextPrev/ContextNext from adjacent chunks in
// file order, giving the reranker local continuity without re-reading the
// source file.
func stitchNeighbors(chunks []*Chunk) {
	for i, c := range chunks {
		if i > 0 {
			c.ContextPrev = chunks[i-1].DisplayText
		}
		if i < len(chunks)-1 {
			c.ContextNext = chunks[i+1].DisplayText
		}
	}
}

// chunkByLines is the fallback for files with no registered grammar, or
// whose grammar failed to parse: fixed-size line windows with overlap.
func chunkByLines(path, language, content string) []*Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	var chunks []*Chunk
	i := 0
	for i < len(lines) {
		end := i
		charCount := 0
		for end < len(lines) && end-i < MaxChunkLines {
			l := lines[end]
			if end > i && charCount+len(l)+1 > MaxChunkChars {
				break
			}
			charCount += len(l) + 1
			end++
		}
		if end == i {
			end = i + 1
		}

		segment := strings.Join(lines[i:end], "\n")
		ch := &Chunk{
			Path:        path,
			Content:     segment,
			DisplayText: segment,
			StartLine:   i,
			EndLine:     end - 1,
			ChunkType:   ChunkTypeBlock,
			Context:     breadcrumb(path, "", "", "", ""),
			Role:        RoleDefinition,
			Language:    language,
		}
		ch.ID = chunkID(path, segment)
		chunks = append(chunks, ch)

		if end >= len(lines) {
			break
		}
		next := end - OverlapLines
		if next <= i {
			next = i + 1
		}
		i = next
	}

	for idx, c := range chunks {
		c.ChunkIndex = idx
	}
	stitchNeighbors(chunks)
	return chunks
}
