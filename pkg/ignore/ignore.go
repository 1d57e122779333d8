// Package ignore decides which local files "blobctl fs import" skips.
package ignore

import (
	"io/fs"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the per-tree rules file, gitignore syntax.
const FileName = ".blobignore"

// Rules that always apply, before any .blobignore line.
var defaultRules = []string{
	FileName,
	".git",
	".blobgate", // local config dir; may hold storage credentials
	"config.yaml",
	".env",
	".DS_Store",
	"Thumbs.db",
}

type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher compiles the defaults plus rootPath/.blobignore if present.
func NewMatcher(rootPath string) (*Matcher, error) {
	rulesPath := filepath.Join(rootPath, FileName)
	if _, err := os.Stat(rulesPath); err != nil {
		return &Matcher{ignorer: gitignore.CompileIgnoreLines(defaultRules...)}, nil
	}
	ignorer, err := gitignore.CompileIgnoreFileAndLines(rulesPath, defaultRules...)
	if err != nil {
		return nil, err
	}
	return &Matcher{ignorer: ignorer}, nil
}

// Matches reports whether path, relative to the import root and
// slash-separated, is ignored.
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}

// Walk visits every file and directory under root that is not ignored, in
// lexical order. rel is slash-separated and relative to root; the root
// itself is not visited. Ignored directories are not descended into.
func (m *Matcher) Walk(root string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(rel, d)
	})
}
