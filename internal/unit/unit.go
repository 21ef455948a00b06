// Package unit holds the reloadable code units and the machinery that
// brings their namespaces up to date.
//
// A unit is a single Go source file executed by the yaegi interpreter. Its
// namespace maps exported top-level names to live values. Every successful
// reload runs the new source in a scratch interpreter and merges the result
// into the same *Namespace, so holders of the unit always observe the
// latest committed code.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"sort"
	"sync"
	"time"
)

// SymbolKind classifies namespace entries.
type SymbolKind string

const (
	KindFunc  SymbolKind = "func"
	KindVar   SymbolKind = "var"
	KindConst SymbolKind = "const"
)

// Symbol is one binding in a namespace.
type Symbol struct {
	Kind       SymbolKind
	Value      reflect.Value
	Generation uint64 // generation that last bound the name
}

// Namespace is the name -> value mapping of a unit. It is allocated once per
// unit and mutated only by committed reloads.
type Namespace struct {
	mu      sync.RWMutex
	symbols map[string]Symbol
	types   []string
}

func newNamespace() *Namespace {
	return &Namespace{symbols: make(map[string]Symbol)}
}

// Lookup returns the current binding for name.
func (n *Namespace) Lookup(name string) (Symbol, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.symbols[name]
	return s, ok
}

// Names returns the bound names, sorted.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.symbols))
	for name := range n.symbols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Types returns the exported type names declared by the last committed
// source.
func (n *Namespace) Types() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.types...)
}

// Len returns the number of bindings.
func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.symbols)
}

// merge binds every entry of fresh. Names absent from fresh keep their old
// binding.
func (n *Namespace) merge(fresh map[string]Symbol, types []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for name, s := range fresh {
		n.symbols[name] = s
	}
	n.types = types
}

// exports returns the bindings in the shape interp.Use expects for one
// package. Vars are copied into fresh addressable storage.
func (n *Namespace) exports() map[string]reflect.Value {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]reflect.Value, len(n.symbols))
	for name, s := range n.symbols {
		if !s.Value.IsValid() {
			continue
		}
		if s.Kind == KindVar {
			p := reflect.New(s.Value.Type())
			p.Elem().Set(s.Value)
			out[name] = p.Elem()
			continue
		}
		out[name] = s.Value
	}
	return out
}

// Fingerprint identifies one version of a unit's effective source.
type Fingerprint struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// IsZero reports whether the fingerprint was never set.
func (f Fingerprint) IsZero() bool { return f.Hash == "" }

func fingerprintOf(src []byte, modTime time.Time) Fingerprint {
	sum := sha256.Sum256(src)
	return Fingerprint{
		Hash:    hex.EncodeToString(sum[:]),
		Size:    int64(len(src)),
		ModTime: modTime,
	}
}

// Glue is extra source appended to a unit before it is executed, plus the
// symbols it defines.
type Glue struct {
	Source  string
	Symbols []string
}

// GlueFunc derives glue from the scan of the unit's current source.
type GlueFunc func(*Scan) (Glue, error)

// attempt records what a reload was tried against. Two attempts are the
// same when the source hash and every dependency generation match.
type attempt struct {
	hash string
	deps map[*Unit]uint64
}

func (a attempt) same(b attempt) bool {
	if a.hash != b.hash || len(a.deps) != len(b.deps) {
		return false
	}
	for u, g := range a.deps {
		if bg, ok := b.deps[u]; !ok || bg != g {
			return false
		}
	}
	return true
}

// Unit is a reloadable code unit. The pointer identity of a Unit and of its
// Namespace is stable for the life of the engine.
type Unit struct {
	Path       string // absolute file path
	ImportPath string // slash path relative to its watch root, without ".go"

	ns *Namespace

	mu          sync.Mutex
	pkg         string
	fingerprint Fingerprint
	generation  uint64
	committed   attempt
	deps        []*Unit
	failed      *attempt
	failure     error
	glue        GlueFunc
}

func newUnit(path, importPath string) *Unit {
	return &Unit{Path: path, ImportPath: importPath, ns: newNamespace()}
}

// Namespace returns the unit's namespace. The same pointer is returned for
// the life of the unit.
func (u *Unit) Namespace() *Namespace { return u.ns }

// Package returns the package clause name of the last committed source.
func (u *Unit) Package() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pkg
}

// Generation counts successful commits. Zero means never loaded.
func (u *Unit) Generation() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.generation
}

// Fingerprint returns the fingerprint of the last committed source.
func (u *Unit) Fingerprint() Fingerprint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fingerprint
}

// Loaded reports whether the unit ever committed.
func (u *Unit) Loaded() bool { return u.Generation() > 0 }

// Failure returns the standing reload error, if the last attempt failed.
func (u *Unit) Failure() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failure
}

// Dependencies returns the units imported by the last committed source.
func (u *Unit) Dependencies() []*Unit {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*Unit(nil), u.deps...)
}

// Closure returns u followed by every unit it transitively imported at
// its last commit.
func (u *Unit) Closure() []*Unit {
	seen := map[*Unit]bool{u: true}
	out := []*Unit{u}
	for i := 0; i < len(out); i++ {
		for _, dep := range out[i].Dependencies() {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

// SetGlue installs a glue generator. The glue is part of the hashed
// effective source, so the unit reloads on the next Ensure.
func (u *Unit) SetGlue(fn GlueFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.glue = fn
}

func (u *Unit) glueFunc() GlueFunc {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.glue
}

func (u *Unit) String() string {
	return u.ImportPath
}
