package chunk

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// The language descriptor table: one entry per grammar, mapping parse-tree
// node types onto the chunk model. New languages are added by appending a
// descriptor here; nothing else in the package changes.

// descriptor pairs a LanguageConfig with its compiled grammar.
type descriptor struct {
	config  *LanguageConfig
	grammar *sitter.Language
}

func languageTable() []descriptor {
	goConfig := &LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		FunctionTypes: []string{"function_declaration"},
		MethodTypes:   []string{"method_declaration"},
		TypeDefTypes:  []string{"type_declaration"},
		ConstantTypes: []string{"const_declaration"},
		VariableTypes: []string{"var_declaration"},
		NameField:     "name",
		LineComment:   "//",
	}

	tsConfig := &LanguageConfig{
		Name:           "typescript",
		Extensions:     []string{".ts"},
		FunctionTypes:  []string{"function_declaration"},
		MethodTypes:    []string{"method_definition"},
		ClassTypes:     []string{"class_declaration"},
		InterfaceTypes: []string{"interface_declaration"},
		TypeDefTypes:   []string{"type_alias_declaration"},
		ConstantTypes:  []string{"lexical_declaration"},
		VariableTypes:  []string{"variable_declaration"},
		NameField:      "name",
		LineComment:    "//",
	}

	jsConfig := &LanguageConfig{
		Name:          "javascript",
		Extensions:    []string{".js", ".mjs"},
		FunctionTypes: []string{"function_declaration", "function"},
		MethodTypes:   []string{"method_definition"},
		ClassTypes:    []string{"class_declaration"},
		ConstantTypes: []string{"lexical_declaration"},
		VariableTypes: []string{"variable_declaration"},
		NameField:     "name",
		LineComment:   "//",
	}

	pyConfig := &LanguageConfig{
		Name:          "python",
		Extensions:    []string{".py"},
		FunctionTypes: []string{"function_definition"},
		// Python methods are function_definitions nested in a class.
		ClassTypes:    []string{"class_definition"},
		VariableTypes: []string{"assignment"},
		NameField:     "name",
		LineComment:   "#",
	}

	return []descriptor{
		{goConfig, golang.GetLanguage()},
		{tsConfig, typescript.GetLanguage()},
		{variant(tsConfig, "tsx", ".tsx"), tsx.GetLanguage()},
		{jsConfig, javascript.GetLanguage()},
		{variant(jsConfig, "jsx", ".jsx"), javascript.GetLanguage()},
		{pyConfig, python.GetLanguage()},
	}
}

// variant derives a dialect descriptor (tsx, jsx) sharing the base
// language's node-type lists under its own name and extension.
func variant(base *LanguageConfig, name, ext string) *LanguageConfig {
	v := *base
	v.Name = name
	v.Extensions = []string{ext}
	return &v
}

// LanguageRegistry resolves file extensions and language names to their
// descriptors. It is built once and never mutated, so lookups need no
// locking.
type LanguageRegistry struct {
	byName   map[string]*LanguageConfig
	byExt    map[string]*LanguageConfig
	grammars map[string]*sitter.Language
}

// NewLanguageRegistry builds a registry from the descriptor table.
func NewLanguageRegistry() *LanguageRegistry {
	table := languageTable()
	r := &LanguageRegistry{
		byName:   make(map[string]*LanguageConfig, len(table)),
		byExt:    make(map[string]*LanguageConfig),
		grammars: make(map[string]*sitter.Language, len(table)),
	}
	for _, d := range table {
		r.byName[d.config.Name] = d.config
		r.grammars[d.config.Name] = d.grammar
		for _, ext := range d.config.Extensions {
			r.byExt[ext] = d.config
		}
	}
	return r
}

// GetByExtension returns the language configuration for a file extension.
func (r *LanguageRegistry) GetByExtension(ext string) (*LanguageConfig, bool) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	config, ok := r.byExt[ext]
	return config, ok
}

// GetByName returns the language configuration by name.
func (r *LanguageRegistry) GetByName(name string) (*LanguageConfig, bool) {
	config, ok := r.byName[name]
	return config, ok
}

// GetTreeSitterLanguage returns the compiled grammar for a language name.
func (r *LanguageRegistry) GetTreeSitterLanguage(name string) (*sitter.Language, bool) {
	lang, ok := r.grammars[name]
	return lang, ok
}

// SupportedExtensions returns every extension the registry can parse.
func (r *LanguageRegistry) SupportedExtensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	return exts
}

// symbolKind maps a parse-tree node type onto the symbol kind this
// language produces for it, or false for node types that define nothing.
func (c *LanguageConfig) symbolKind(nodeType string) (SymbolType, bool) {
	switch {
	case containsType(c.FunctionTypes, nodeType):
		return SymbolTypeFunction, true
	case containsType(c.MethodTypes, nodeType):
		return SymbolTypeMethod, true
	case containsType(c.ClassTypes, nodeType):
		return SymbolTypeClass, true
	case containsType(c.InterfaceTypes, nodeType):
		return SymbolTypeInterface, true
	case containsType(c.TypeDefTypes, nodeType):
		return SymbolTypeType, true
	case containsType(c.ConstantTypes, nodeType):
		return SymbolTypeConstant, true
	case containsType(c.VariableTypes, nodeType):
		return SymbolTypeVariable, true
	}
	return "", false
}

// defaultRegistry is shared, immutable parser configuration, not mutable
// process state.
var defaultRegistry = NewLanguageRegistry()

// DefaultRegistry returns the shared language registry.
func DefaultRegistry() *LanguageRegistry {
	return defaultRegistry
}
