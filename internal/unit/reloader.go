package unit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"minireload/internal/logging"
	"minireload/internal/metrics"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// stdPackages holds the import paths provided by yaegi's stdlib symbols.
var stdPackages = func() map[string]bool {
	out := make(map[string]bool, len(stdlib.Symbols))
	for key := range stdlib.Symbols {
		if i := strings.LastIndex(key, "/"); i > 0 {
			out[key[:i]] = true
		}
	}
	return out
}()

// Config tunes the reloader.
type Config struct {
	// AllowedImports restricts the standard library packages units may
	// import. Empty allows all of them. Imports of other units are always
	// allowed.
	AllowedImports []string
	// Stdout and Stderr receive output of interpreted code. Nil means the
	// process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Reloader brings units up to date. Each reload runs the unit's source in a
// scratch interpreter; nothing touches the unit's namespace unless every
// stage succeeds.
type Reloader struct {
	reg     *Registry
	cfg     Config
	allowed map[string]bool
	metrics *metrics.Metrics

	mu      sync.Mutex
	scanner *Scanner
	sources map[*Unit]string // last committed raw source, for diff summaries
}

// NewReloader creates a reloader over reg. m may be nil.
func NewReloader(reg *Registry, cfg Config, m *metrics.Metrics) *Reloader {
	r := &Reloader{
		reg:     reg,
		cfg:     cfg,
		metrics: m,
		scanner: NewScanner(),
		sources: make(map[*Unit]string),
	}
	if len(cfg.AllowedImports) > 0 {
		r.allowed = make(map[string]bool, len(cfg.AllowedImports))
		for _, p := range cfg.AllowedImports {
			r.allowed[p] = true
		}
	}
	return r
}

// Close releases the scanner.
func (r *Reloader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanner.Close()
}

// Ensure brings u and, depth first, every unit it imports up to date. It
// returns the units that committed a new generation, dependencies first.
//
// A unit is re-executed when it never loaded, when its effective source
// hash changed, or when one of its dependencies committed a new generation
// since its own last commit. A unit whose last attempt failed with the same
// source and dependency generations is not re-executed; the standing error
// is returned again.
func (r *Reloader) Ensure(u *Unit) ([]*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []*Unit
	err := r.ensure(u, make(map[*Unit]bool), &changed)
	return changed, err
}

func (r *Reloader) ensure(u *Unit, chain map[*Unit]bool, changed *[]*Unit) error {
	if chain[u] {
		if u.Loaded() {
			return nil
		}
		return &ReloadError{Unit: u.ImportPath, Path: u.Path, Stage: StageDependency, Err: ErrImportCycle}
	}
	chain[u] = true
	defer delete(chain, u)

	raw, modTime, err := readSource(u.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && u.Loaded() {
			logging.ReloadWarn("unit %s: source %s is gone, keeping last namespace", u.ImportPath, u.Path)
			return nil
		}
		return r.fail(u, attempt{hash: "read:" + err.Error()}, &ReloadError{
			Unit: u.ImportPath, Path: u.Path, Stage: StageRead, Err: err,
		})
	}

	scan, err := r.scanner.Scan(raw)
	if err != nil {
		return r.fail(u, attempt{hash: fingerprintOf(raw, modTime).Hash}, &ReloadError{
			Unit: u.ImportPath, Path: u.Path, Stage: StageScan, Err: err,
		})
	}

	var glue Glue
	effective := string(raw)
	if fn := u.glueFunc(); fn != nil {
		// Glue depends only on the scan, so an error here is keyed by the
		// raw source.
		glue, err = fn(scan)
		if err != nil {
			return r.fail(u, attempt{hash: "glue:" + fingerprintOf(raw, modTime).Hash}, &ReloadError{
				Unit: u.ImportPath, Path: u.Path, Stage: StageGlue, Err: err,
			})
		}
		effective += "\n" + glue.Source
	}
	fp := fingerprintOf([]byte(effective), modTime)

	deps, rerr := r.dependencies(u, scan)
	if rerr != nil {
		return r.fail(u, attempt{hash: fp.Hash}, rerr)
	}
	for _, dep := range deps {
		if err := r.ensure(dep, chain, changed); err != nil {
			if errors.Is(err, ErrImportCycle) {
				return err
			}
			// Not recorded as u's own failure: fixing the dependency alone
			// must make u loadable again.
			return &ReloadError{
				Unit: u.ImportPath, Path: u.Path, Stage: StageDependency,
				Err: fmt.Errorf("%w: %s: %w", ErrDependencyFailed, dep.ImportPath, err),
			}
		}
	}

	cur := attempt{hash: fp.Hash, deps: make(map[*Unit]uint64, len(deps))}
	for _, dep := range deps {
		cur.deps[dep] = dep.Generation()
	}

	u.mu.Lock()
	upToDate := u.generation > 0 && u.committed.same(cur)
	standing := u.failed != nil && u.failed.same(cur)
	standingErr := u.failure
	if upToDate {
		u.failed, u.failure = nil, nil
	}
	u.mu.Unlock()

	if upToDate {
		return nil
	}
	if standing {
		logging.ReloadDebug("unit %s: source unchanged since failed reload, not re-executing", u.ImportPath)
		return standingErr
	}

	if scan.Package == "" && !scan.HasErrors {
		return r.fail(u, cur, &ReloadError{Unit: u.ImportPath, Path: u.Path, Stage: StageScan, Err: ErrNoPackage})
	}
	if scan.HasMain {
		return r.fail(u, cur, &ReloadError{Unit: u.ImportPath, Path: u.Path, Stage: StageScan, Err: ErrMainUnit})
	}

	start := time.Now()
	fresh, rerr := r.execute(u, scan, effective, glue, deps)
	elapsed := time.Since(start)
	if rerr != nil {
		r.metrics.ObserveReload(elapsed, rerr)
		logging.AuditWithUnit(u.ImportPath).ReloadComplete(u.ImportPath, u.Generation(), elapsed, rerr)
		return r.fail(u, cur, rerr)
	}

	u.ns.merge(fresh, scan.Types)
	u.mu.Lock()
	u.pkg = scan.Package
	u.fingerprint = fp
	u.generation++
	u.committed = cur
	u.deps = deps
	u.failed, u.failure = nil, nil
	gen := u.generation
	u.mu.Unlock()

	if prev, ok := r.sources[u]; ok {
		logging.ReloadDebug("unit %s: %s", u.ImportPath, lineDelta(prev, string(raw)))
	}
	r.sources[u] = string(raw)

	r.metrics.ObserveReload(elapsed, nil)
	logging.AuditWithUnit(u.ImportPath).ReloadComplete(u.ImportPath, gen, elapsed, nil)
	logging.Reload("reloaded %s (generation %d, %d symbols, %v)", u.ImportPath, gen, len(fresh), elapsed)

	*changed = append(*changed, u)
	return nil
}

// dependencies resolves the unit imports of scan and checks the remaining
// imports against the allowlist.
func (r *Reloader) dependencies(u *Unit, scan *Scan) ([]*Unit, *ReloadError) {
	var deps []*Unit
	seen := make(map[*Unit]bool)
	for _, imp := range scan.Imports {
		if stdPackages[imp.Path] {
			if r.allowed != nil && !r.allowed[imp.Path] {
				return nil, &ReloadError{
					Unit: u.ImportPath, Path: u.Path, Stage: StageScan,
					Err: fmt.Errorf("%w: %q", ErrImportNotAllowed, imp.Path),
				}
			}
			continue
		}
		dep, ok := r.reg.Resolve(imp.Path)
		if !ok {
			return nil, &ReloadError{
				Unit: u.ImportPath, Path: u.Path, Stage: StageScan,
				Err: fmt.Errorf("%w: %q is neither a unit nor a standard library package", ErrImportNotAllowed, imp.Path),
			}
		}
		if dep == u {
			return nil, &ReloadError{Unit: u.ImportPath, Path: u.Path, Stage: StageDependency, Err: ErrImportCycle}
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// execute compiles and runs src in a fresh interpreter and reads back every
// exported symbol.
func (r *Reloader) execute(u *Unit, scan *Scan, src string, glue Glue, deps []*Unit) (fresh map[string]Symbol, rerr *ReloadError) {
	fail := func(stage Stage, err error, stack string) *ReloadError {
		return &ReloadError{Unit: u.ImportPath, Path: u.Path, Stage: stage, Err: err, Stack: stack}
	}

	i := interp.New(interp.Options{Stdout: r.cfg.Stdout, Stderr: r.cfg.Stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fail(StageCompile, fmt.Errorf("load stdlib symbols: %w", err), "")
	}
	for _, dep := range deps {
		key := dep.ImportPath + "/" + dep.Package()
		if err := i.Use(interp.Exports{key: dep.ns.exports()}); err != nil {
			return nil, fail(StageDependency, fmt.Errorf("link %s: %w", dep.ImportPath, err), "")
		}
	}

	stage := StageCompile
	defer func() {
		if p := recover(); p != nil {
			fresh = nil
			rerr = fail(stage, fmt.Errorf("panic: %v", p), string(debug.Stack()))
		}
	}()

	prog, err := i.Compile(src)
	if err != nil {
		return nil, fail(StageCompile, err, "")
	}

	stage = StageExec
	if _, err := i.Execute(prog); err != nil {
		var p interp.Panic
		if errors.As(err, &p) {
			return nil, fail(StageExec, fmt.Errorf("panic: %v", p.Value), string(p.Stack))
		}
		return nil, fail(StageExec, err, "")
	}

	stage = StageLink
	fresh = make(map[string]Symbol)
	gen := u.Generation() + 1
	bind := func(name string, kind SymbolKind) error {
		v, err := i.Eval(scan.Package + "." + name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		if !v.IsValid() {
			return fmt.Errorf("resolve %s: no value", name)
		}
		fresh[name] = Symbol{Kind: kind, Value: v, Generation: gen}
		return nil
	}
	for _, name := range scan.Exported() {
		if err := bind(name, scan.Kind(name)); err != nil {
			return nil, fail(StageLink, err, "")
		}
	}
	for _, name := range glue.Symbols {
		if err := bind(name, KindFunc); err != nil {
			return nil, fail(StageLink, err, "")
		}
	}
	return fresh, nil
}

// fail records a failed attempt on u and returns err. Repeating the
// standing attempt returns the standing error.
func (r *Reloader) fail(u *Unit, a attempt, err *ReloadError) error {
	u.mu.Lock()
	if u.failed != nil && u.failed.same(a) && u.failure != nil {
		standing := u.failure
		u.mu.Unlock()
		return standing
	}
	u.failed = &a
	u.failure = err
	u.mu.Unlock()
	logging.ReloadWarn("unit %s failed to reload: %v", u.ImportPath, err)
	return err
}

func readSource(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
