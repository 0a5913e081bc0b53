package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coderift/semcode/internal/gitignore"
)

// gitignoreCacheSize bounds the per-directory matcher cache; long-running
// watch processes would otherwise grow it without limit.
const gitignoreCacheSize = 1000

const (
	// maxCodeFileSize caps ordinary source files. Anything bigger is
	// generated output or data, not code worth embedding.
	maxCodeFileSize = 2 << 20 // 2 MiB

	// maxMediaFileSize caps convertible-media files (PDF, DOCX, audio)
	// whose text is extracted elsewhere; the scanner only has to not
	// choke on their presence.
	maxMediaFileSize = 500 << 20 // 500 MiB

	// nullProbeSize is how many leading bytes are sniffed for null bytes
	// when deciding a file is binary.
	nullProbeSize = 1024

	// progressEvery is how many emitted files pass between progress
	// callbacks during a long scan.
	progressEvery = 500

	// resultBuffer is the discovery channel's capacity; the consumer can
	// start dispatching candidates while the walk is still running.
	resultBuffer = 1024
)

// convertibleMediaExts are extensions handled by external document
// converters; they get the large size allowance instead of the code cap.
var convertibleMediaExts = map[string]bool{
	".pdf":  true,
	".docx": true,
	".pptx": true,
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
}

// Scanner discovers indexable files under a project root. It holds only
// the gitignore matcher cache; every scan gets its own walker state, so
// one Scanner may serve concurrent scans.
type Scanner struct {
	gitignoreCache *lru.Cache[string, *gitignore.Matcher]
	cacheMu        sync.RWMutex
}

// New creates a Scanner.
func New() (*Scanner, error) {
	cache, err := lru.New[string, *gitignore.Matcher](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitignore cache: %w", err)
	}
	return &Scanner{gitignoreCache: cache}, nil
}

// Scan streams the project's indexable files over the returned channel,
// closing it when discovery finishes. When the root is a git worktree and
// gitignore rules are honored, git's own index is the authoritative file
// set; a failing or empty `git ls-files` falls back to a filesystem walk.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (<-chan ScanResult, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	absRoot, err := resolveRoot(opts.RootDir)
	if err != nil {
		return nil, err
	}

	results := make(chan ScanResult, resultBuffer)

	submodulePaths := s.submodulePaths(absRoot, opts)

	go func() {
		defer close(results)

		w := s.newWalker(absRoot, opts, results)

		if opts.RespectGitignore {
			if paths, ok := s.gitIndexPaths(absRoot); ok {
				w.emitGitIndex(ctx, paths)
			} else {
				w.walk(ctx, absRoot)
			}
		} else {
			w.walk(ctx, absRoot)
		}

		// Submodules have their own ignore scope: patterns apply relative
		// to the submodule root, emitted paths stay project-relative.
		for _, sub := range submodulePaths {
			sw := s.newWalker(filepath.Join(absRoot, sub), opts, results)
			sw.pathPrefix = sub
			sw.walk(ctx, filepath.Join(absRoot, sub))
		}
	}()

	return results, nil
}

// ScanSubtree scans one directory subtree only, for incremental
// reconciliation after a directory-scoped change. Emitted paths remain
// relative to the project root.
func (s *Scanner) ScanSubtree(ctx context.Context, opts *ScanOptions, subtreePath string) (<-chan ScanResult, error) {
	if opts == nil {
		opts = &ScanOptions{}
	}

	absRoot, err := resolveRoot(opts.RootDir)
	if err != nil {
		return nil, err
	}

	subtreePath = strings.Trim(subtreePath, "/")
	if subtreePath == "" {
		return s.Scan(ctx, opts)
	}

	absSubtree := filepath.Join(absRoot, subtreePath)
	if !strings.HasPrefix(absSubtree, absRoot) {
		return nil, fmt.Errorf("subtree path outside root: %s", subtreePath)
	}

	info, err := os.Stat(absSubtree)
	if err != nil {
		if os.IsNotExist(err) {
			results := make(chan ScanResult)
			close(results)
			return results, nil
		}
		return nil, fmt.Errorf("failed to stat subtree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("subtree path is not a directory: %s", absSubtree)
	}

	results := make(chan ScanResult, resultBuffer)
	go func() {
		defer close(results)
		w := s.newWalker(absRoot, opts, results)
		w.walk(ctx, absSubtree)
	}()
	return results, nil
}

// resolveRoot validates and absolutizes the scan root.
func resolveRoot(root string) (string, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat root directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root path is not a directory: %s", abs)
	}
	return abs, nil
}

// submodulePaths returns the initialized submodules to scan, when enabled.
func (s *Scanner) submodulePaths(absRoot string, opts *ScanOptions) []string {
	if opts.Submodules == nil || !opts.Submodules.Enabled {
		return nil
	}

	submodules, err := DiscoverSubmodules(absRoot, *opts.Submodules)
	if err != nil {
		slog.Warn("failed to discover submodules", slog.String("error", err.Error()))
		return nil
	}

	var paths []string
	for _, sm := range submodules {
		if !sm.Initialized {
			slog.Warn("skipping uninitialized submodule",
				slog.String("name", sm.Name),
				slog.String("path", sm.Path))
			continue
		}
		paths = append(paths, sm.Path)
	}
	return paths
}

// gitIndexPaths asks git for the authoritative file set: tracked files
// plus untracked-but-not-ignored ones. Returns ok=false when the root is
// not a worktree, git is unavailable, or the listing is empty, in which
// case the caller walks the filesystem instead.
func (s *Scanner) gitIndexPaths(absRoot string) ([]string, bool) {
	cmd := exec.Command("git", "-C", absRoot, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	out, err := cmd.Output()
	if err != nil {
		return nil, false
	}

	var paths []string
	for _, p := range bytes.Split(out, []byte{0}) {
		if len(p) > 0 {
			paths = append(paths, string(p))
		}
	}
	if len(paths) == 0 {
		return nil, false
	}
	return paths, true
}

// walker carries one scan's state: where paths are rooted, which options
// apply, symlink-cycle defense, and the progress counter.
type walker struct {
	scanner *Scanner
	opts    *ScanOptions
	absRoot string // pattern matching and gitignore lookups root here

	// pathPrefix is prepended to emitted relative paths; submodule scans
	// use it so results stay relative to the enclosing project.
	pathPrefix string

	results chan<- ScanResult

	// visitedReal records resolved directory paths already descended, so
	// symlink cycles terminate.
	visitedReal map[string]bool

	emitted int
}

func (s *Scanner) newWalker(absRoot string, opts *ScanOptions, results chan<- ScanResult) *walker {
	return &walker{
		scanner:     s,
		opts:        opts,
		absRoot:     absRoot,
		results:     results,
		visitedReal: make(map[string]bool),
	}
}

// walk traverses the filesystem from start, emitting admissible files.
func (w *walker) walk(ctx context.Context, start string) {
	if real, err := filepath.EvalSymlinks(start); err == nil {
		w.visitedReal[real] = true
	}

	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}

		relPath, err := filepath.Rel(w.absRoot, path)
		if err != nil || relPath == "." {
			return nil
		}

		if d.IsDir() {
			return w.enterDir(relPath, path, d)
		}

		if d.Type()&fs.ModeSymlink != 0 && !w.opts.FollowSymlinks {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		file, ok := w.admit(relPath, path, info)
		if !ok {
			return nil
		}
		return w.emit(ctx, file)
	})

	if err != nil && err != context.Canceled {
		select {
		case w.results <- ScanResult{Error: err}:
		case <-ctx.Done():
		}
	}
}

// enterDir decides whether to descend into a directory, skipping excluded
// names and already-visited real paths (symlink cycles).
func (w *walker) enterDir(relPath, path string, d fs.DirEntry) error {
	if w.dirExcluded(relPath) {
		return filepath.SkipDir
	}

	if d.Type()&fs.ModeSymlink != 0 {
		if !w.opts.FollowSymlinks {
			return filepath.SkipDir
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil || w.visitedReal[real] {
			return filepath.SkipDir
		}
		w.visitedReal[real] = true
	}
	return nil
}

// admit runs every per-file gate and builds the FileInfo for a file that
// passes all of them.
func (w *walker) admit(relPath, absPath string, info fs.FileInfo) (*FileInfo, bool) {
	if w.fileExcluded(relPath) {
		return nil, false
	}

	if w.opts.RespectGitignore && w.scanner.ignoredByGit(relPath, w.absRoot) {
		return nil, false
	}

	if len(w.opts.IncludePatterns) > 0 && !anyPatternMatches(relPath, w.opts.IncludePatterns) {
		return nil, false
	}

	// Zero-byte files carry nothing to index; oversized ones are capped
	// per kind (source vs convertible media).
	if info.Size() == 0 || info.Size() > w.sizeLimit(relPath) {
		return nil, false
	}

	if hasNullBytes(absPath) {
		return nil, false
	}

	language := DetectLanguage(relPath)

	return &FileInfo{
		Path:        filepath.Join(w.pathPrefix, relPath),
		AbsPath:     absPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: DetectContentType(language),
		Language:    language,
		IsGenerated: hasGeneratedMarker(absPath),
	}, true
}

// emit sends one file downstream and fires the progress callback every
// progressEvery files.
func (w *walker) emit(ctx context.Context, file *FileInfo) error {
	select {
	case w.results <- ScanResult{File: file}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.emitted++
	if w.opts.ProgressFunc != nil && w.emitted%progressEvery == 0 {
		w.opts.ProgressFunc(w.emitted, 0)
	}
	return nil
}

// emitGitIndex runs the per-file gates over git's file listing instead of
// a filesystem walk. Entries git knows about but the filesystem no longer
// has (deleted, not yet committed) are skipped.
func (w *walker) emitGitIndex(ctx context.Context, paths []string) {
	for _, relPath := range paths {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relPath = filepath.FromSlash(relPath)
		if w.dirExcluded(filepath.Dir(relPath)) {
			continue
		}

		absPath := filepath.Join(w.absRoot, relPath)
		info, err := os.Lstat(absPath)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 && !w.opts.FollowSymlinks {
			continue
		}

		file, ok := w.admit(relPath, absPath, info)
		if !ok {
			continue
		}
		if err := w.emit(ctx, file); err != nil {
			return
		}
	}
}

// sizeLimit returns the byte cap for one file: the caller's override when
// set, the media allowance for convertible formats, the code cap for
// everything else.
func (w *walker) sizeLimit(relPath string) int64 {
	if w.opts.MaxFileSize > 0 {
		return w.opts.MaxFileSize
	}
	if convertibleMediaExts[strings.ToLower(filepath.Ext(relPath))] {
		return maxMediaFileSize
	}
	return maxCodeFileSize
}

// dirExcluded reports whether a directory is skipped outright.
func (w *walker) dirExcluded(relPath string) bool {
	if relPath == "." || relPath == "" {
		return false
	}
	for _, pattern := range alwaysSkippedDirs {
		if matchDirPattern(relPath, pattern) {
			return true
		}
	}
	for _, pattern := range w.opts.ExcludePatterns {
		if matchDirPattern(relPath, pattern) {
			return true
		}
	}
	return false
}

// fileExcluded reports whether a file is dropped by the secret-file list,
// the built-in noise list, or the caller's exclude patterns.
func (w *walker) fileExcluded(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range secretFilePatterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	for _, pattern := range alwaysSkippedFiles {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	for _, pattern := range w.opts.ExcludePatterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	return false
}

// anyPatternMatches reports whether relPath matches at least one pattern.
func anyPatternMatches(relPath string, patterns []string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		if matchFilePattern(base, relPath, pattern) {
			return true
		}
	}
	return false
}

// matchDirPattern matches a directory path against one exclude pattern.
// Three shapes are understood: "**/name/**" (the named directory at any
// depth), "dir/**" (that directory and everything under it), and a bare
// path (the directory itself or an ancestor prefix).
func matchDirPattern(relPath, pattern string) bool {
	sep := string(filepath.Separator)

	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		name := strings.TrimSuffix(rest, "/**")
		for _, part := range strings.Split(relPath, sep) {
			if part == name {
				return true
			}
		}
		return false
	}

	if prefix, found := strings.CutSuffix(pattern, "/**"); found {
		return relPath == prefix || strings.HasPrefix(relPath, prefix+sep)
	}

	return relPath == pattern || strings.HasPrefix(relPath, pattern+sep)
}

// matchFilePattern matches a file against one exclude pattern. Anchored
// shapes ("dir/**", "dir/glob.ext") constrain the directory; "**/" shapes
// match anywhere; bare globs apply to the basename only.
func matchFilePattern(baseName, relPath, pattern string) bool {
	sep := string(filepath.Separator)

	if !strings.HasPrefix(pattern, "**/") {
		// "dir/**": any file strictly under dir.
		if prefix, found := strings.CutSuffix(pattern, "/**"); found {
			return strings.HasPrefix(relPath, prefix+sep)
		}
		// "dir/glob.ext": glob on the basename in exactly that directory.
		if strings.Contains(pattern, sep) && strings.ContainsAny(pattern, "*?[") {
			if filepath.Dir(relPath) != filepath.Dir(pattern) {
				return false
			}
			matched, err := filepath.Match(filepath.Base(pattern), baseName)
			return err == nil && matched
		}
	}

	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		// "**/*.ext": basename suffix anywhere in the tree.
		if suffix, isGlob := strings.CutPrefix(rest, "*"); isGlob {
			return strings.HasSuffix(baseName, suffix)
		}
		// "**/name" or "**/name/**": any path segment equal to name.
		name := strings.TrimSuffix(rest, "/**")
		for _, part := range strings.Split(relPath, sep) {
			if part == name {
				return true
			}
		}
		return false
	}

	// Bare basename globs, as used by the secret-file list.
	switch {
	case len(pattern) > 1 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		needle := strings.ToLower(strings.Trim(pattern, "*"))
		return strings.Contains(strings.ToLower(baseName), needle)
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(baseName, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(baseName, strings.TrimPrefix(pattern, "*"))
	default:
		return baseName == pattern
	}
}

// hasNullBytes sniffs the file's leading bytes for a null byte, the
// binary-file rejection gate.
func hasNullBytes(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, nullProbeSize)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}
	return bytes.IndexByte(buf[:n], 0) >= 0
}

// generatedMarkers are the header strings code generators conventionally
// leave in their output.
var generatedMarkers = []string{
	"// Code generated",
	"// DO NOT EDIT",
	"/* DO NOT EDIT",
	"# Generated by",
	"<!-- AUTO-GENERATED -->",
	"// Generated by",
	"/* Generated by",
}

// hasGeneratedMarker sniffs the file's first kilobyte for a generator
// header. Generated files are still indexed but flagged, so search can
// deprioritize them.
func hasGeneratedMarker(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)
	n, err := f.Read(buf)
	if err != nil {
		return false
	}

	head := string(buf[:n])
	for _, marker := range generatedMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// ignoredByGit walks the .gitignore chain from the project root down to
// the file's directory; the first matching rule wins the exclusion.
func (s *Scanner) ignoredByGit(relPath, absRoot string) bool {
	if m := s.matcherFor(absRoot, ""); m != nil && m.Match(relPath, false) {
		return true
	}

	dir := filepath.Dir(relPath)
	if dir == "." {
		return false
	}

	currentAbs := absRoot
	currentRel := ""
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		currentAbs = filepath.Join(currentAbs, part)
		currentRel = filepath.Join(currentRel, part)
		if m := s.matcherFor(currentAbs, currentRel); m != nil && m.Match(relPath, false) {
			return true
		}
	}
	return false
}

// matcherFor returns the cached matcher for one directory's .gitignore.
// The cache key carries the ignore file's mtime, so an edited .gitignore
// gets a fresh matcher on the next scan instead of a stale hit.
func (s *Scanner) matcherFor(dir, base string) *gitignore.Matcher {
	path := filepath.Join(dir, ".gitignore")
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}

	key := cacheKey(dir, info.ModTime())
	s.cacheMu.RLock()
	matcher, ok := s.gitignoreCache.Get(key)
	s.cacheMu.RUnlock()
	if ok {
		return matcher
	}

	matcher = gitignore.New()
	if err := matcher.AddFromFile(path, base); err != nil {
		return nil
	}

	s.cacheMu.Lock()
	s.gitignoreCache.Add(key, matcher)
	s.cacheMu.Unlock()
	return matcher
}

func cacheKey(dir string, mtime time.Time) string {
	return fmt.Sprintf("%s|%d", dir, mtime.UnixNano())
}

// InvalidateGitignoreCache drops every cached matcher. Watch mode calls
// this when a .gitignore changes under it.
func (s *Scanner) InvalidateGitignoreCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gitignoreCache.Purge()
}

// alwaysSkippedDirs never contain indexable sources.
var alwaysSkippedDirs = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/.aws/**",
	"**/.gcp/**",
	"**/.azure/**",
	"**/.ssh/**",
}

// alwaysSkippedFiles are noise: minified assets and lockfiles.
var alwaysSkippedFiles = []string{
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
}

// secretFilePatterns are never indexed, whatever the caller configures.
var secretFilePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*credentials*",
	"*secrets*",
	"*password*",
	".netrc",
	".npmrc",
	".pypirc",
	"id_rsa",
	"id_dsa",
	"id_ecdsa",
	"id_ed25519",
}
