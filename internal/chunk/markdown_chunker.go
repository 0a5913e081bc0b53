package chunk

import (
	"context"
	"regexp"
	"strings"
)

// MarkdownChunker splits Markdown documents by header section: each section
// (the text under one heading, up to the next heading of any level)
// becomes a block chunk, with a breadcrumb recording the heading path
// ("H1 > H2 > H3"). A document with no headers falls back to fixed-size
// line windows.
type MarkdownChunker struct{}

var (
	// headerPattern matches ATX headers: # Title, ## Title, etc.
	headerPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*$`)

	// frontmatterPattern matches a leading YAML frontmatter block.
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)
)

// NewMarkdownChunker creates a new markdown chunker.
func NewMarkdownChunker() *MarkdownChunker {
	return &MarkdownChunker{}
}

// Close is a no-op; MarkdownChunker holds no resources, matching the
// Chunker-adjacent Close convention used by CodeChunker.
func (c *MarkdownChunker) Close() {}

// SupportedExtensions returns the extensions this chunker handles.
func (c *MarkdownChunker) SupportedExtensions() []string {
	return []string{".md", ".mdx", ".markdown"}
}

type section struct {
	level      int
	title      string
	headerPath string
	startLine  int
	content    string
}

// Chunk splits file into one chunk per header section.
func (c *MarkdownChunker) Chunk(_ context.Context, file *FileInput) ([]*Chunk, error) {
	text := string(file.Content)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lineOffset := 0
	if m := frontmatterPattern.FindString(text); m != "" {
		lineOffset = strings.Count(m, "\n")
		text = text[len(m):]
	}

	sections := parseSections(text, lineOffset)
	if len(sections) == 0 {
		return chunkByLines(file.Path, file.Language, text), nil
	}

	var chunks []*Chunk
	for _, s := range sections {
		trimmed, blank := trimBlankLines(s.content)
		if trimmed == "" {
			continue
		}
		base := &Chunk{
			Path:        file.Path,
			Content:     trimmed,
			DisplayText: trimmed,
			StartLine:   s.startLine + blank,
			EndLine:     s.startLine + blank + strings.Count(trimmed, "\n"),
			ChunkType:   ChunkTypeBlock,
			Context:     markdownBreadcrumb(file.Path, s.headerPath),
			Role:        RoleDefinition,
			Language:    file.Language,
		}
		chunks = append(chunks, splitChunk(base)...)
	}

	for i, ch := range chunks {
		ch.ChunkIndex = i
	}
	stitchNeighbors(chunks)
	return chunks, nil
}

// parseSections splits text into one section per heading, tracking a
// 6-level stack so nested headings produce an "H1 > H2 > H3" path.
func parseSections(text string, lineOffset int) []section {
	matches := headerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var sections []section
	var stack [7]string // index by header level 1-6

	for i, m := range matches {
		level := m[3] - m[2]
		title := text[m[4]:m[5]]
		stack[level] = title
		for l := level + 1; l <= 6; l++ {
			stack[l] = ""
		}

		var parts []string
		for l := 1; l <= level; l++ {
			if stack[l] != "" {
				parts = append(parts, stack[l])
			}
		}
		headerPath := strings.Join(parts, " > ")

		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}

		startLine := lineOffset + strings.Count(text[:bodyStart], "\n")
		sections = append(sections, section{
			level:      level,
			title:      title,
			headerPath: headerPath,
			startLine:  startLine,
			content:    text[bodyStart:bodyEnd],
		})
	}

	// Preamble before the first heading, if any, becomes its own section.
	if matches[0][0] > 0 {
		pre := text[:matches[0][0]]
		if strings.TrimSpace(pre) != "" {
			sections = append([]section{{
				title:     "",
				startLine: lineOffset,
				content:   pre,
			}}, sections...)
		}
	}

	return sections
}

func markdownBreadcrumb(path, headerPath string) []string {
	trail := []string{"File: " + path}
	if headerPath != "" {
		trail = append(trail, "Section: "+headerPath)
	}
	return trail
}
