package chunk

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
)

// ChunkFile is the single entry point the embedding worker calls: it
// dispatches relPath to the code chunker, the markdown chunker, or the
// line-window fallback by extension, builds one synthetic anchor chunk
// summarizing the file, and returns the anchor first followed by the
// file's regular chunks plus the file's skeleton text.
func ChunkFile(ctx context.Context, parser *Parser, registry *LanguageRegistry, relPath string, content []byte) ([]*Chunk, string, error) {
	ext := strings.ToLower(filepath.Ext(relPath))

	var chunks []*Chunk
	var err error
	var language string

	switch ext {
	case ".md", ".mdx", ".markdown":
		mc := NewMarkdownChunker()
		chunks, err = mc.Chunk(ctx, &FileInput{Path: relPath, Content: content, Language: "markdown"})
		language = "markdown"
	default:
		if lang, ok := registry.GetByExtension(ext); ok {
			language = lang.Name
		}
		cc := &CodeChunker{parser: parser, extractor: NewSymbolExtractorWithRegistry(registry), registry: registry}
		chunks, err = cc.Chunk(ctx, &FileInput{Path: relPath, Content: content, Language: language})
	}
	if err != nil {
		return nil, "", err
	}

	skeleton := Skeletonize(relPath, content, chunks, language)
	anchor := buildAnchor(relPath, content, language, registry, chunks, skeleton)
	return append([]*Chunk{anchor}, chunks...), skeleton, nil
}

var (
	goImportRe  = regexp.MustCompile(`(?m)^\s*(?:import\s+)?"[^"]+"\s*$`)
	jsImportRe  = regexp.MustCompile(`(?m)^\s*import\s.+$`)
	jsExportRe  = regexp.MustCompile(`(?m)^\s*export\s.+$`)
	pyImportRe  = regexp.MustCompile(`(?m)^\s*(?:import|from)\s.+$`)
)

// buildAnchor assembles the per-file synthetic chunk: File/Imports/
// Exports/Top comments/Preamble sections plus the "(anchor)" marker, as the
// single chunk with ChunkIndex -1 carrying the file's skeleton.
func buildAnchor(path string, content []byte, language string, registry *LanguageRegistry, chunks []*Chunk, skeleton string) *Chunk {
	text := string(content)

	imports := extractImports(text, language)
	exports := extractExports(text, language, chunks)
	topComments := extractTopComments(text, language, registry)
	preamble := firstNLines(text, PreambleMaxLines, PreambleMaxChars)

	var defined []string
	for _, c := range chunks {
		defined = append(defined, c.DefinedSymbols...)
	}

	var b strings.Builder
	b.WriteString("File: " + path + "\n")
	if len(imports) > 0 {
		b.WriteString("Imports:\n")
		for _, imp := range imports {
			b.WriteString("  " + imp + "\n")
		}
	}
	if len(exports) > 0 {
		b.WriteString("Exports:\n")
		for _, exp := range exports {
			b.WriteString("  " + exp + "\n")
		}
	}
	if topComments != "" {
		b.WriteString("Top comments:\n" + topComments + "\n")
	}
	if preamble != "" {
		b.WriteString("Preamble:\n" + preamble + "\n")
	}
	b.WriteString("(anchor)")

	return &Chunk{
		ID:             chunkID(path, "anchor:"+path),
		Path:           path,
		Content:        b.String(),
		DisplayText:    b.String(),
		StartLine:      0,
		EndLine:        0,
		ChunkIndex:     -1,
		IsAnchor:       true,
		ChunkType:      ChunkTypeBlock,
		Context:        []string{"File: " + path},
		DefinedSymbols: defined,
		Imports:        imports,
		Exports:        exports,
		Role:           RoleDefinition,
		FileSkeleton:   skeleton,
		Language:       language,
	}
}

func extractImports(text, language string) []string {
	var re *regexp.Regexp
	switch language {
	case "go":
		re = goImportRe
	case "javascript", "jsx", "typescript", "tsx":
		re = jsImportRe
	case "python":
		re = pyImportRe
	default:
		return nil
	}
	matches := re.FindAllString(text, -1)
	var out []string
	seen := make(map[string]bool)
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// extractExports derives the file's public symbols: for Go, defined names
// starting with an uppercase letter; for JS/TS, lines carrying an `export`
// keyword; Python and others carry no convention-based export list.
func extractExports(text, language string, chunks []*Chunk) []string {
	switch language {
	case "go":
		var out []string
		for _, c := range chunks {
			for _, name := range c.DefinedSymbols {
				if name != "" && strings.ToUpper(name[:1]) == name[:1] {
					out = append(out, name)
				}
			}
		}
		return out
	case "javascript", "jsx", "typescript", "tsx":
		matches := jsExportRe.FindAllString(text, -1)
		var out []string
		for _, m := range matches {
			out = append(out, strings.TrimSpace(m))
		}
		return out
	default:
		return nil
	}
}

// extractTopComments returns the leading run of single-line comments at the
// top of the file (license headers, package docs), if any.
func extractTopComments(text, language string, registry *LanguageRegistry) string {
	config, ok := registry.GetByName(language)
	if !ok || config.LineComment == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	var out []string
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			if len(out) == 0 {
				continue
			}
			break
		}
		if !strings.HasPrefix(t, config.LineComment) {
			break
		}
		out = append(out, t)
	}
	return strings.Join(out, "\n")
}

// firstNLines returns the file's leading text, bounded by both a line
// count and a character count, for the anchor chunk's Preamble section.
func firstNLines(text string, maxLines, maxChars int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	joined := strings.Join(lines, "\n")
	if len(joined) > maxChars {
		joined = joined[:maxChars]
	}
	return strings.TrimSpace(joined)
}
