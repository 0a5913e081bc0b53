package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// chunkID derives a content-addressable chunk identifier: stable across
// line-number shifts within the same content, distinct per file.
func chunkID(path, content string) string {
	ph := sha256.Sum256([]byte(path))
	ch := sha256.Sum256([]byte(content))
	return hex.EncodeToString(ph[:])[:8] + hex.EncodeToString(ch[:])[:16]
}

// branchNodeTypes collects the tree-sitter node types that count as a
// branch for cyclomatic complexity across the five registered grammars.
// The set is intentionally broad rather than per-language exact: a false
// positive here just nudges a chunk's Role, it never changes what gets
// indexed.
var branchNodeTypes = map[string]bool{
	"if_statement":             true,
	"elif_clause":              true,
	"for_statement":            true,
	"for_in_statement":         true,
	"for_range_statement":      true,
	"while_statement":          true,
	"do_statement":             true,
	"switch_statement":         true,
	"switch_expression":        true,
	"expression_switch_statement": true,
	"type_switch_statement":    true,
	"select_statement":         true,
	"case_clause":              true,
	"default_case":             true,
	"catch_clause":             true,
	"except_clause":            true,
	"try_statement":            true,
	"conditional_expression":   true,
}

// callNodeTypes are the node types representing a function/method call
// across the registered grammars.
var callNodeTypes = map[string]bool{
	"call_expression": true,
	"call":            true,
}

// identifierNodeTypes are leaf node types that carry a callee's name.
var identifierNodeTypes = map[string]bool{
	"identifier":          true,
	"field_identifier":    true,
	"property_identifier": true,
	"type_identifier":     true,
}

// analyzeFunctionBody computes the cyclomatic complexity and distinct
// callee list for a function/method node: complexity is 1 plus every
// branch node plus every short-circuit boolean operator; callees are the
// distinct names found in call position, in first-seen order.
func analyzeFunctionBody(n *Node, source []byte) (complexity int, callees []string) {
	complexity = 1
	seen := make(map[string]bool)

	n.Walk(func(node *Node) bool {
		if branchNodeTypes[node.Type] {
			complexity++
		}
		if node.Type == "&&" || node.Type == "||" || node.Type == "and" || node.Type == "or" {
			complexity++
		}
		if callNodeTypes[node.Type] && len(node.Children) > 0 {
			if name := calleeName(node.Children[0], source); name != "" && !seen[name] {
				seen[name] = true
				callees = append(callees, name)
			}
		}
		return true
	})

	return complexity, callees
}

// calleeName walks down the rightmost edge of a call's function
// expression to find the identifier actually being invoked (so
// `pkg.Do()` and `obj.method()` both resolve to the trailing name).
func calleeName(n *Node, source []byte) string {
	if n == nil {
		return ""
	}
	if identifierNodeTypes[n.Type] {
		return n.GetContent(source)
	}
	if len(n.Children) == 0 {
		return ""
	}
	return calleeName(n.Children[len(n.Children)-1], source)
}

// roleFor splits functions into ORCHESTRATION vs IMPLEMENTATION.
func roleFor(complexity int, distinctCallees int) Role {
	if complexity > 5 && distinctCallees > 5 {
		return RoleOrchestration
	}
	return RoleImplementation
}

// breadcrumb builds the ["File: x", "Class: Y", "Method: Z"] context
// trail attached to every chunk.
func breadcrumb(path string, parentKind, parentName string, selfKind, selfName string) []string {
	trail := []string{"File: " + path}
	if parentName != "" {
		trail = append(trail, parentKind+": "+parentName)
	}
	if selfName != "" {
		trail = append(trail, selfKind+": "+selfName)
	}
	return trail
}

// kindLabel renders a ChunkType as the breadcrumb's human label.
func kindLabel(t ChunkType) string {
	switch t {
	case ChunkTypeFunction:
		return "Function"
	case ChunkTypeMethod:
		return "Method"
	case ChunkTypeClass:
		return "Class"
	case ChunkTypeInterface:
		return "Interface"
	case ChunkTypeTypeAlias:
		return "Type"
	default:
		return "Block"
	}
}

// firstNonBlankLine returns the first non-empty trimmed line of s, used
// to reattach a signature header to split sub-chunks.
func firstNonBlankLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
