package chunk

import (
	"strconv"
	"strings"
)

// Skeletonize builds the anchor chunk's condensed file overview: each
// top-level definition's signature line, annotated with its role and up to
// four callees instead of its full body. Files with no grammar-backed
// definitions (unsupported language, or a parse that fell back to line
// windows) get a plain leading-lines preview instead.
func Skeletonize(path string, content []byte, chunks []*Chunk, language string) string {
	var b strings.Builder
	hadDefinition := false

	for _, c := range chunks {
		if c.IsAnchor || c.ChunkType == ChunkTypeBlock {
			continue
		}
		hadDefinition = true

		sig := firstNonBlankLine(c.Content)
		if language != "python" {
			sig = strings.TrimSpace(strings.TrimSuffix(sig, "{"))
		}
		indent := ""
		if c.ParentSymbol != "" {
			indent = "    "
		}
		b.WriteString(indent + sig)
		b.WriteString(bodyPlaceholder(language))
		if comment := summaryComment(c, language); comment != "" {
			b.WriteString(" " + comment)
		}
		b.WriteString("\n")
	}

	if !hadDefinition {
		return firstNLines(string(content), PreambleMaxLines, PreambleMaxChars)
	}
	return strings.TrimRight(b.String(), "\n")
}

// bodyPlaceholder renders the elided-body marker for the signature line,
// matching each language's block delimiter.
func bodyPlaceholder(language string) string {
	switch language {
	case "python":
		return " ..."
	default:
		return " { ... }"
	}
}

// summaryComment renders a one-line role/callee annotation using the
// language's own comment marker.
func summaryComment(c *Chunk, language string) string {
	if c.Role == "" && len(c.ReferencedSymbols) == 0 {
		return ""
	}
	marker := "//"
	if language == "python" {
		marker = "#"
	}

	var parts []string
	if c.Role != "" {
		parts = append(parts, string(c.Role))
	}
	if n := len(c.ReferencedSymbols); n > 0 {
		limit := n
		if limit > 4 {
			limit = 4
		}
		parts = append(parts, "calls "+strings.Join(c.ReferencedSymbols[:limit], ", ")+extraCalleeSuffix(n, limit))
	}
	if c.Complexity > 0 {
		parts = append(parts, "complexity "+strconv.Itoa(c.Complexity))
	}
	return marker + " " + strings.Join(parts, ", ")
}

func extraCalleeSuffix(total, shown int) string {
	if total <= shown {
		return ""
	}
	return " +" + strconv.Itoa(total-shown) + " more"
}
