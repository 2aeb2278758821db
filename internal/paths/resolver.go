// Package paths resolves the path shorthands accepted in the config
// file: a leading ~ for the home directory and named prefixes such as
// "data:" for the data directory.
package paths

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Resolver maps named prefixes to directories. A nil *Resolver only
// expands ~.
type Resolver struct {
	roots map[string]string // "data:" -> "/var/lib/tadpole"
	order []string          // longest prefix first
}

// New creates a Resolver. Keys are prefix names without the colon and
// values are directories, which may themselves start with ~. Empty
// directories are skipped.
func New(roots map[string]string) *Resolver {
	r := &Resolver{roots: make(map[string]string, len(roots))}
	for name, dir := range roots {
		if dir == "" {
			continue
		}
		key := strings.TrimSuffix(name, ":") + ":"
		r.roots[key] = ExpandHome(dir)
		r.order = append(r.order, key)
	}
	slices.SortFunc(r.order, func(a, b string) int { return len(b) - len(a) })
	return r
}

// Resolve expands a prefixed or ~ path. Anything else is returned
// unchanged, so plain command names like "python" stay on $PATH.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.order {
			if rel, ok := strings.CutPrefix(path, prefix); ok {
				if rel == "" {
					return r.roots[prefix]
				}
				return filepath.Join(r.roots[prefix], rel)
			}
		}
	}
	return ExpandHome(path)
}

// ResolveAll resolves every element of paths in place.
func (r *Resolver) ResolveAll(paths []string) {
	for i, p := range paths {
		paths[i] = r.Resolve(p)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
// "~user" forms are left alone.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
