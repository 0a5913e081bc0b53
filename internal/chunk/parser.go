package chunk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser turns source bytes into the package's own Tree/Node shape. The
// tree-sitter tree is converted eagerly and released; everything
// downstream (chunking, symbol extraction, skeletons) walks plain Nodes.
type Parser struct {
	ts       *sitter.Parser
	registry *LanguageRegistry
}

// NewParser creates a parser over the default language registry.
func NewParser() *Parser {
	return NewParserWithRegistry(DefaultRegistry())
}

// NewParserWithRegistry creates a parser over a custom registry.
func NewParserWithRegistry(registry *LanguageRegistry) *Parser {
	return &Parser{
		ts:       sitter.NewParser(),
		registry: registry,
	}
}

// Parse parses source for the named language. A syntactically broken file
// still yields a tree (error nodes are flagged on HasError); only an
// unregistered language or a parser failure is an error.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	grammar, ok := p.registry.GetTreeSitterLanguage(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}

	p.ts.SetLanguage(grammar)

	tsTree, err := p.ts.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("failed to parse source: nil tree")
	}

	return &Tree{
		Root:     convertSubtree(tsTree.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases parser resources.
func (p *Parser) Close() {
	if p.ts != nil {
		p.ts.Close()
	}
}

// convertSubtree copies a tree-sitter subtree into plain Nodes with an
// explicit stack, so arbitrarily deep parse trees cannot overflow the Go
// stack.
func convertSubtree(root *sitter.Node) *Node {
	if root == nil {
		return nil
	}

	rootNode := shallowNode(root)
	type frame struct {
		ts   *sitter.Node
		node *Node
	}
	stack := []frame{{root, rootNode}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		count := int(f.ts.ChildCount())
		f.node.Children = make([]*Node, 0, count)
		for i := 0; i < count; i++ {
			child := f.ts.Child(i)
			if child == nil {
				continue
			}
			childNode := shallowNode(child)
			f.node.Children = append(f.node.Children, childNode)
			stack = append(stack, frame{child, childNode})
		}
	}

	return rootNode
}

// shallowNode copies one tree-sitter node's metadata, children excluded.
func shallowNode(ts *sitter.Node) *Node {
	return &Node{
		Type:      ts.Type(),
		StartByte: ts.StartByte(),
		EndByte:   ts.EndByte(),
		StartPoint: Point{
			Row:    ts.StartPoint().Row,
			Column: ts.StartPoint().Column,
		},
		EndPoint: Point{
			Row:    ts.EndPoint().Row,
			Column: ts.EndPoint().Column,
		},
		HasError: ts.HasError(),
	}
}

// GetContent returns the source slice this node spans.
func (n *Node) GetContent(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// FindChildByType returns the first direct child of the given type.
func (n *Node) FindChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// FindChildrenByType returns all direct children of the given type.
func (n *Node) FindChildrenByType(nodeType string) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Type == nodeType {
			result = append(result, child)
		}
	}
	return result
}

// FindAllByType returns every node of the given type in the subtree.
func (n *Node) FindAllByType(nodeType string) []*Node {
	var result []*Node
	n.Walk(func(node *Node) bool {
		if node.Type == nodeType {
			result = append(result, node)
		}
		return true
	})
	return result
}

// Walk visits the subtree in depth-first pre-order. Returning false from
// fn prunes that node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	stack := []*Node{n}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !fn(node) {
			continue
		}
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
}
