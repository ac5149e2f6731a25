// Package pathutil provides folderd's default folder.PathNormalizer and
// folder.IgnoreList implementations. The synchronization core treats both
// as opaque collaborators it never calls itself (see folder.Deps); this
// package exists for indexer code that does. The CLI only constructs them
// to fill folder.Deps.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Normalizer relativizes paths against a folder root using filepath,
// always returning forward-slash relative paths regardless of platform.
type Normalizer struct {
	Root string
}

func (n Normalizer) Normalize(absPath string) (string, error) {
	rel, err := filepath.Rel(n.Root, absPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func (n Normalizer) Absolute(relPath string) string {
	return filepath.Join(n.Root, filepath.FromSlash(relPath))
}

// IgnoreList matches relative paths against a fixed set of glob patterns,
// applied component-wise the way .gitignore-style tools do for simple
// patterns (no negation, no directory-only anchoring).
type IgnoreList struct {
	Patterns []string
}

func (l IgnoreList) IsIgnored(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, part := range parts {
		for _, pat := range l.Patterns {
			if ok, _ := filepath.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}
