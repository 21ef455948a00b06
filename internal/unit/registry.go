package unit

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"minireload/internal/logging"
	"minireload/internal/source"

	"golang.org/x/sync/errgroup"
)

// Registry owns the units of one engine, indexed by file path and by
// import path.
type Registry struct {
	spec source.WatchSpec

	mu       sync.RWMutex
	byPath   map[string]*Unit
	byImport map[string]*Unit
}

// NewRegistry creates an empty registry for spec.
func NewRegistry(spec source.WatchSpec) *Registry {
	return &Registry{
		spec:     spec,
		byPath:   make(map[string]*Unit),
		byImport: make(map[string]*Unit),
	}
}

// ImportPathFor derives the import path of a file: its slash path relative
// to the covering root without the ".go" suffix, or its base name when no
// root covers it.
func (r *Registry) ImportPathFor(path string) string {
	rel := filepath.Base(path)
	if root, ok := r.spec.RootFor(path); ok {
		if p, err := filepath.Rel(root.Path, path); err == nil {
			rel = p
		}
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), ".go")
}

// Register returns the unit for path, creating it on first use. The file
// does not need to exist yet.
func (r *Registry) Register(path string) (*Unit, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.byPath[abs]; ok {
		return u, nil
	}
	ip := r.ImportPathFor(abs)
	if other, ok := r.byImport[ip]; ok {
		return nil, fmt.Errorf("%w: %s (%s and %s)", ErrDuplicateImportPath, ip, other.Path, abs)
	}

	u := newUnit(abs, ip)
	r.byPath[abs] = u
	r.byImport[ip] = u
	logging.EngineDebug("registered unit %s -> %s", ip, abs)
	return u, nil
}

// Lookup returns the unit registered for path.
func (r *Registry) Lookup(path string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byPath[filepath.Clean(path)]
	return u, ok
}

// Resolve maps an import path to a unit. Files under a watch root that were
// not registered yet are registered on demand.
func (r *Registry) Resolve(importPath string) (*Unit, bool) {
	r.mu.RLock()
	u, ok := r.byImport[importPath]
	r.mu.RUnlock()
	if ok {
		return u, true
	}

	for _, root := range r.spec {
		candidate := filepath.Join(root.Path, filepath.FromSlash(importPath)+".go")
		if !r.spec.Covers(candidate) {
			continue
		}
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		u, err := r.Register(candidate)
		if err != nil {
			logging.EngineDebug("resolve %s: %v", importPath, err)
			return nil, false
		}
		return u, true
	}
	return nil, false
}

// Units returns every registered unit, sorted by import path.
func (r *Registry) Units() []*Unit {
	r.mu.RLock()
	out := make([]*Unit, 0, len(r.byPath))
	for _, u := range r.byPath {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ImportPath < out[j].ImportPath })
	return out
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPath)
}

// IsUnitFile reports whether a file name can hold a unit.
func IsUnitFile(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go")
}

// Discover walks every root, one goroutine per root, and registers the
// unit files it finds. It returns the units that were not registered
// before.
func (r *Registry) Discover(ctx context.Context) ([]*Unit, error) {
	found := make([][]string, len(r.spec))

	g, gctx := errgroup.WithContext(ctx)
	for i, root := range r.spec {
		i, root := i, root
		g.Go(func() error {
			return filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if d.IsDir() {
					if path == root.Path {
						return nil
					}
					if !root.Recursive || source.SkipDir(d.Name()) {
						return filepath.SkipDir
					}
					return nil
				}
				if IsUnitFile(d.Name()) {
					found[i] = append(found[i], filepath.Clean(path))
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("discover units: %w", err)
	}

	var added []*Unit
	for _, paths := range found {
		for _, path := range paths {
			if _, ok := r.Lookup(path); ok {
				continue
			}
			u, err := r.Register(path)
			if err != nil {
				// Earlier roots win on duplicate import paths.
				logging.EngineDebug("skip %s: %v", path, err)
				continue
			}
			added = append(added, u)
		}
	}
	return added, nil
}
