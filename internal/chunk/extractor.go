package chunk

import (
	"strings"
)

// SymbolExtractor pulls declared symbols out of a parse tree: one Symbol
// per definition node, with its name, kind, line span, signature line,
// and any immediately-preceding comment.
type SymbolExtractor struct {
	registry *LanguageRegistry
}

// NewSymbolExtractor creates an extractor over the default registry.
func NewSymbolExtractor() *SymbolExtractor {
	return NewSymbolExtractorWithRegistry(DefaultRegistry())
}

// NewSymbolExtractorWithRegistry creates an extractor over a custom registry.
func NewSymbolExtractorWithRegistry(registry *LanguageRegistry) *SymbolExtractor {
	return &SymbolExtractor{registry: registry}
}

// Extract walks the tree and returns every symbol it defines.
func (e *SymbolExtractor) Extract(tree *Tree, source []byte) []*Symbol {
	if tree == nil || tree.Root == nil {
		return []*Symbol{}
	}

	config, ok := e.registry.GetByName(tree.Language)
	if !ok {
		return []*Symbol{}
	}

	symbols := []*Symbol{}
	tree.Root.Walk(func(n *Node) bool {
		if sym := e.symbolAt(n, source, config, tree.Language); sym != nil {
			symbols = append(symbols, sym)
		}
		return true
	})
	return symbols
}

// symbolAt builds the Symbol for one node, or nil when the node defines
// nothing.
func (e *SymbolExtractor) symbolAt(n *Node, source []byte, config *LanguageConfig, language string) *Symbol {
	kind, ok := config.symbolKind(n.Type)
	if !ok {
		return nil
	}

	// A JS/TS const holding an arrow function or function expression is a
	// function definition wearing a variable declaration's node type.
	if kind == SymbolTypeConstant || kind == SymbolTypeVariable {
		if isScriptLanguage(language) {
			if sym := e.functionValuedBinding(n, source); sym != nil {
				return sym
			}
		}
	}

	name := declaredName(n, source)
	if name == "" {
		return nil
	}

	return &Symbol{
		Name:       name,
		Type:       kind,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		Signature:  signatureLine(n.GetContent(source), language, kind),
		DocComment: precedingComment(n, source, language),
	}
}

// extractName returns a definition node's declared name, or "" if it has
// none.
func (e *SymbolExtractor) extractName(n *Node, source []byte, config *LanguageConfig, language string) string {
	return declaredName(n, source)
}

// extractSpecialSymbol recognizes a variable/constant node that is really a
// function definition in disguise (JS/TS arrow or function-expression
// bindings), or nil otherwise.
func (e *SymbolExtractor) extractSpecialSymbol(n *Node, source []byte, language string) *Symbol {
	if !isScriptLanguage(language) {
		return nil
	}
	return e.functionValuedBinding(n, source)
}

// isScriptLanguage reports whether the language is a JS/TS dialect.
func isScriptLanguage(language string) bool {
	switch language {
	case "javascript", "jsx", "typescript", "tsx":
		return true
	}
	return false
}

// nameCarriers are leaf node types that hold a declared name; nameHops
// are wrapper nodes the name may sit behind (Go specs, JS declarators).
var (
	nameCarriers = map[string]bool{
		"identifier":       true,
		"field_identifier": true,
		"type_identifier":  true,
	}
	nameHops = map[string]bool{
		"type_spec":           true,
		"const_spec":          true,
		"var_spec":            true,
		"variable_declarator": true,
	}
)

// declaredName finds a definition node's name: the first name-carrying
// direct child, looking through at most one layer of wrapper nodes.
func declaredName(n *Node, source []byte) string {
	for _, child := range n.Children {
		if nameCarriers[child.Type] {
			return child.GetContent(source)
		}
		if nameHops[child.Type] {
			if name := declaredName(child, source); name != "" {
				return name
			}
		}
	}
	return ""
}

// functionValuedBinding recognizes `const f = () => {}` and
// `const f = function() {}` as function symbols.
func (e *SymbolExtractor) functionValuedBinding(n *Node, source []byte) *Symbol {
	for _, declarator := range n.FindChildrenByType("variable_declarator") {
		var name string
		var isFunction bool
		for _, child := range declarator.Children {
			switch child.Type {
			case "identifier":
				name = child.GetContent(source)
			case "arrow_function", "function", "function_expression":
				isFunction = true
			}
		}
		if name != "" && isFunction {
			return &Symbol{
				Name:      name,
				Type:      SymbolTypeFunction,
				StartLine: int(n.StartPoint.Row) + 1,
				EndLine:   int(n.EndPoint.Row) + 1,
				Signature: signatureLine(n.GetContent(source), "javascript", SymbolTypeFunction),
			}
		}
	}
	return nil
}

// signatureLine condenses a definition to its header: brace languages cut
// at the opening brace, Python keeps the full def/class line. Constants
// and variables have no meaningful signature.
func signatureLine(content, language string, kind SymbolType) string {
	switch kind {
	case SymbolTypeFunction, SymbolTypeMethod, SymbolTypeClass, SymbolTypeInterface, SymbolTypeType:
	default:
		return ""
	}

	firstLine, _, _ := strings.Cut(content, "\n")
	firstLine = strings.TrimSpace(firstLine)
	if firstLine == "" {
		return ""
	}

	if language == "python" {
		return firstLine
	}
	if idx := strings.Index(firstLine, "{"); idx != -1 {
		return strings.TrimSpace(firstLine[:idx])
	}
	return firstLine
}

// precedingComment returns the line comment directly above a definition,
// stripped of its marker. Python documents with docstrings inside the
// body instead, so it never yields one here.
func precedingComment(n *Node, source []byte, language string) string {
	if language == "python" || n.StartPoint.Row == 0 {
		return ""
	}

	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	if lineStart <= 1 {
		return ""
	}

	prevEnd := lineStart - 1
	prevStart := prevEnd - 1
	for prevStart > 0 && source[prevStart-1] != '\n' {
		prevStart--
	}

	prev := strings.TrimSpace(string(source[prevStart:prevEnd]))
	if (language == "go" || isScriptLanguage(language)) && strings.HasPrefix(prev, "//") {
		return strings.TrimPrefix(prev, "//")
	}
	return ""
}
