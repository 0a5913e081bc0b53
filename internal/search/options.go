package search

import (
	"sort"
	"strings"

	"github.com/coderift/semcode/internal/store"
)

// Score adjustments applied after fusion, before filtering. Mock-heavy
// test files and thin CLI wrappers match many keyword queries; these
// factors keep the real implementations on top.
const (
	// TestFilePenalty scales down results coming from test files.
	TestFilePenalty = 0.5

	// InternalPathBoost scales up implementation code under internal/.
	InternalPathBoost = 1.3

	// CmdPathPenalty scales down CLI wrapper code under cmd/.
	CmdPathPenalty = 0.6
)

// ApplyFilters drops results that fail any of the criteria set in opts
// (content type, language, symbol type, path scope, minimum score). All
// set criteria must match.
func ApplyFilters(results []*SearchResult, opts SearchOptions) []*SearchResult {
	scopes := normalizedScopes(opts.Scopes)
	if !filteringActive(opts, scopes) {
		return results
	}

	kept := make([]*SearchResult, 0, len(results))
	for _, r := range results {
		if matchesFilters(r, opts, scopes) {
			kept = append(kept, r)
		}
	}
	return kept
}

// filteringActive reports whether opts asks for any filtering at all, so
// the common no-filter search skips the per-result walk.
func filteringActive(opts SearchOptions, scopes []string) bool {
	return (opts.Filter != "" && opts.Filter != "all") ||
		opts.Language != "" ||
		opts.SymbolType != "" ||
		len(scopes) > 0 ||
		opts.MinScore > 0
}

// matchesFilters applies every set criterion to one result.
func matchesFilters(r *SearchResult, opts SearchOptions, scopes []string) bool {
	if opts.MinScore > 0 && r.Score < opts.MinScore {
		return false
	}
	if r.Chunk == nil {
		// Everything below needs chunk metadata.
		return opts.Filter == "" || opts.Filter == "all"
	}

	switch opts.Filter {
	case "", "all":
	case "code":
		if r.Chunk.ContentType != store.ContentTypeCode {
			return false
		}
	case "docs":
		if r.Chunk.ContentType != store.ContentTypeMarkdown &&
			r.Chunk.ContentType != store.ContentTypeText {
			return false
		}
	default:
		// Unknown filter values behave like "all".
	}

	if opts.Language != "" && r.Chunk.Language != opts.Language {
		return false
	}

	if opts.SymbolType != "" && !hasSymbolOfType(r.Chunk, opts.SymbolType) {
		return false
	}

	if len(scopes) > 0 && !inAnyScope(r.Chunk.FilePath, scopes) {
		return false
	}

	return true
}

// hasSymbolOfType reports whether the chunk defines a symbol of the given
// type ("function", "class", ...).
func hasSymbolOfType(c *store.Chunk, symbolType string) bool {
	want := store.SymbolType(symbolType)
	for _, s := range c.Symbols {
		if s.Type == want {
			return true
		}
	}
	return false
}

// NormalizeScope strips leading and trailing slashes so "/src/api/" and
// "src/api" filter identically.
func NormalizeScope(scope string) string {
	return strings.Trim(scope, "/")
}

// normalizedScopes prepares scope prefixes for matching: normalized,
// empties dropped, and suffixed with "/" so "services/api" cannot match
// "services/api-v2".
func normalizedScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if n := NormalizeScope(s); n != "" {
			out = append(out, n+"/")
		}
	}
	return out
}

// inAnyScope reports whether path falls under at least one scope prefix.
func inAnyScope(path string, scopes []string) bool {
	normalized := NormalizeScope(path) + "/"
	for _, scope := range scopes {
		if strings.HasPrefix(normalized, scope) {
			return true
		}
	}
	return false
}

// ApplyTestFilePenalty scales down test-file results and re-sorts.
// Test files carry mock copies of real signatures, so a query like
// "Search function" would otherwise rank the mocks above the engine.
func ApplyTestFilePenalty(results []*SearchResult) []*SearchResult {
	return adjustScores(results, func(path string) float64 {
		if IsTestFile(path) {
			return TestFilePenalty
		}
		return 1
	})
}

// ApplyPathBoost scales implementation code up and CLI wrappers down,
// then re-sorts. Wrapper files match many keyword queries because they
// mention every operation once; the implementation is what the user wants.
func ApplyPathBoost(results []*SearchResult) []*SearchResult {
	return adjustScores(results, func(path string) float64 {
		factor := 1.0
		if path == "" {
			return factor
		}
		if strings.HasPrefix(path, "internal/") || strings.Contains(path, "/internal/") {
			factor *= InternalPathBoost
		}
		if strings.HasPrefix(path, "cmd/") || strings.Contains(path, "/cmd/") {
			factor *= CmdPathPenalty
		}
		return factor
	})
}

// adjustScores multiplies each result's score by factor(path) and
// re-sorts descending. Results without chunk metadata keep their score.
func adjustScores(results []*SearchResult, factor func(path string) float64) []*SearchResult {
	if len(results) == 0 {
		return results
	}

	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		r.Score *= factor(r.Chunk.FilePath)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// IsTestFile reports whether a path looks like a test file in any of the
// indexed languages (Go _test.go, JS/TS .test./.spec., Python test_*.py
// and *_test.py, plus conventional test directories).
func IsTestFile(filePath string) bool {
	if strings.HasSuffix(filePath, "_test.go") {
		return true
	}

	if strings.Contains(filePath, ".test.") || strings.Contains(filePath, ".spec.") {
		return true
	}

	fileName := filePath
	if idx := strings.LastIndex(filePath, "/"); idx >= 0 {
		fileName = filePath[idx+1:]
	}
	if strings.HasSuffix(fileName, ".py") &&
		(strings.HasPrefix(fileName, "test_") || strings.HasSuffix(fileName, "_test.py")) {
		return true
	}

	for _, dir := range []string{"test", "tests", "__tests__"} {
		if strings.HasPrefix(filePath, dir+"/") || strings.Contains(filePath, "/"+dir+"/") {
			return true
		}
	}

	return false
}
