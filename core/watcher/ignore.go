package watcher

import (
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/gobwas/glob"
)

// defaultExcludedDirs are never walked unless they hold a watched file.
var defaultExcludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".idea":        true,
	".vscode":      true,
	".relaunch":    true,
	"node_modules": true,
}

// gitignoreMatcher applies the .gitignore rules found under one root.
type gitignoreMatcher struct {
	root    string
	matcher gitignore.Matcher
}

// loadGitignore reads every .gitignore below root. Returns nil when there
// are no patterns or they cannot be read.
func loadGitignore(root string) *gitignoreMatcher {
	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil || len(patterns) == 0 {
		return nil
	}
	return &gitignoreMatcher{root: root, matcher: gitignore.NewMatcher(patterns)}
}

func (g *gitignoreMatcher) ignored(path string, isDir bool) bool {
	rel, err := filepath.Rel(g.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return g.matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), isDir)
}

// compileExcludePatterns compiles glob patterns for exclusion matching.
func compileExcludePatterns(patterns []string) ([]glob.Glob, error) {
	excludes := make([]glob.Glob, 0, len(patterns))

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, &PatternError{Pattern: pattern, Err: err}
		}
		excludes = append(excludes, g)
	}

	return excludes, nil
}

// PatternError reports an exclude pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "invalid exclude pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return ErrInvalidPattern
}

// matchesPattern checks the full path, the base name, and every path suffix.
func matchesPattern(path string, pattern glob.Glob) bool {
	slashed := filepath.ToSlash(path)
	if pattern.Match(slashed) || pattern.Match(filepath.Base(path)) {
		return true
	}
	parts := strings.Split(strings.Trim(slashed, "/"), "/")
	for i := range parts {
		if pattern.Match(strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}
