package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

type GlobPattern struct {
	glob.Glob
	RawString string
}

func Compile(pattern string) (*GlobPattern, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &GlobPattern{Glob: g, RawString: pattern}, nil
}

func IsValidPattern(pattern string) bool {
	_, err := glob.Compile(pattern)
	return err == nil
}

// HasMeta reports whether the final path element contains glob syntax.
func HasMeta(path string) bool {
	return strings.ContainsAny(filepath.Base(path), `*?[{\`)
}

// Expand resolves a local path whose final element may be a glob into the
// sorted list of matching entries. A path without glob syntax is returned as
// is, whether or not it exists, so callers can report it per file.
func Expand(path string) ([]string, error) {
	if !HasMeta(path) {
		return []string{path}, nil
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	g, err := Compile(base)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() || !g.Match(e.Name()) {
			continue
		}
		matches = append(matches, filepath.Join(dir, e.Name()))
	}
	sort.Strings(matches)
	return matches, nil
}

// ExpandAll expands every path and drops duplicates, keeping first-seen order.
func ExpandAll(paths []string) ([]string, error) {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		matches, err := Expand(p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}
