// Package engine decides which units to reload and drives the reloader.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"minireload/internal/logging"
	"minireload/internal/metrics"
	"minireload/internal/source"
	"minireload/internal/unit"
)

// Config configures an Engine.
type Config struct {
	Watch          source.WatchSpec
	Mode           source.Mode
	Watcher        source.WatcherConfig
	AllowedImports []string
	Metrics        *metrics.Metrics // nil disables metrics
	Stdout         io.Writer        // output of interpreted code, nil for os.Stdout
	Stderr         io.Writer
}

// DefaultConfig returns a watch-mode config with no roots.
func DefaultConfig() Config {
	return Config{
		Mode:    source.ModeWatch,
		Watcher: source.DefaultWatcherConfig(),
	}
}

// Scope selects the units a Refresh considers.
type Scope struct {
	all   bool
	units []*unit.Unit
}

// All selects every unit under the watch spec, including files created
// since the last refresh.
func All() Scope { return Scope{all: true} }

// Only selects the given units.
func Only(units ...*unit.Unit) Scope { return Scope{units: units} }

// Refreshed reports one unit that committed a new generation.
type Refreshed struct {
	Unit       *unit.Unit
	Generation uint64
	Duration   time.Duration // time spent in the Ensure call that committed it
}

// Engine owns the registry, the reloader and the change source.
type Engine struct {
	cfg      Config
	reg      *unit.Registry
	reloader *unit.Reloader
	src      source.ChangeSource
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]struct{}
}

// New validates cfg, registers the unit files already under the watch
// spec and starts the change source.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Watch.Validate(); err != nil {
		return nil, err
	}

	reg := unit.NewRegistry(cfg.Watch)
	if _, err := reg.Discover(context.Background()); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg: cfg,
		reg: reg,
		reloader: unit.NewReloader(reg, unit.Config{
			AllowedImports: cfg.AllowedImports,
			Stdout:         cfg.Stdout,
			Stderr:         cfg.Stderr,
		}, cfg.Metrics),
		src:     source.New(cfg.Mode, cfg.Watch, cfg.Watcher),
		metrics: cfg.Metrics,
		pending: make(map[string]struct{}),
	}
	e.metrics.SetUnits(reg.Len())

	logging.Engine("engine started: %d roots, %d units, mode %s", len(cfg.Watch), reg.Len(), e.src.Mode())
	return e, nil
}

// Mode reports the effective change detection mode. It is ModePoll when a
// watcher was requested but could not be created.
func (e *Engine) Mode() source.Mode { return e.src.Mode() }

// Register returns the unit for path, registering it if needed. Files
// outside every root are allowed; their import path is their base name and
// in watch mode they are re-checked on every refresh.
func (e *Engine) Register(path string) (*unit.Unit, error) {
	u, err := e.reg.Register(path)
	if err != nil {
		return nil, err
	}
	if e.src.Mode() == source.ModeWatch && !e.cfg.Watch.Covers(u.Path) {
		logging.EngineDebug("unit %s is outside every watch root, checking it on each refresh", u.Path)
	}
	e.metrics.SetUnits(e.reg.Len())
	return u, nil
}

// Lookup returns the registered unit for path.
func (e *Engine) Lookup(path string) (*unit.Unit, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	return e.reg.Lookup(abs)
}

// Metrics returns the engine's collectors, nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Units returns every registered unit sorted by import path.
func (e *Engine) Units() []*unit.Unit { return e.reg.Units() }

// Close stops the change source and releases the reloader.
func (e *Engine) Close() error {
	err := e.src.Close()
	e.reloader.Close()
	return err
}

// Refresh brings the units of scope up to date and returns those that
// committed a new generation. Reload failures are joined into the error;
// units that reloaded fine are still reported. Refresh never waits for
// filesystem events.
func (e *Engine) Refresh(scope Scope) ([]Refreshed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	changes := e.src.Drain()
	for path := range changes.Paths {
		e.pending[path] = struct{}{}
	}

	candidates, err := e.candidates(scope, changes.All)
	if err != nil {
		return nil, err
	}

	var (
		refreshed []Refreshed
		errs      []error
	)
	for _, u := range candidates {
		start := time.Now()
		changed, err := e.reloader.Ensure(u)
		d := time.Since(start)
		for _, c := range changed {
			refreshed = append(refreshed, Refreshed{Unit: c, Generation: c.Generation(), Duration: d})
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(refreshed) > 0 {
		logging.EngineDebug("refresh: %d of %d candidates reloaded", len(refreshed), len(candidates))
	}
	return refreshed, errors.Join(errs...)
}

// candidates selects the units to hand to the reloader and consumes the
// pending paths they cover.
func (e *Engine) candidates(scope Scope, all bool) ([]*unit.Unit, error) {
	if all {
		if scope.all {
			if added, err := e.reg.Discover(context.Background()); err != nil {
				return nil, fmt.Errorf("refresh: %w", err)
			} else if len(added) > 0 {
				e.metrics.SetUnits(e.reg.Len())
			}
			return e.reg.Units(), nil
		}
		return scope.units, nil
	}

	e.registerCreated()

	inScope := scope.units
	if scope.all {
		inScope = e.reg.Units()
	}

	var out []*unit.Unit
	for _, u := range inScope {
		// Standing failures keep a unit a candidate so the error is
		// reported again until the source is fixed. Units outside every
		// root get no events and are checked on each refresh.
		covered := u.Closure()
		hit := !u.Loaded()
		for _, c := range covered {
			if _, ok := e.pending[c.Path]; ok || c.Failure() != nil || !e.cfg.Watch.Covers(c.Path) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		for _, c := range covered {
			delete(e.pending, c.Path)
		}
		out = append(out, u)
	}
	return out, nil
}

// registerCreated registers pending unit files that appeared under a root
// and drops pending paths that belong to nothing.
func (e *Engine) registerCreated() {
	for path := range e.pending {
		if _, ok := e.reg.Lookup(path); ok {
			continue
		}
		if !e.cfg.Watch.Covers(path) || !unit.IsUnitFile(filepath.Base(path)) {
			delete(e.pending, path)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			delete(e.pending, path)
			continue
		}
		if _, err := e.reg.Register(path); err != nil {
			logging.Get(logging.CategoryEngine).Warn("cannot register %s: %v", path, err)
			delete(e.pending, path)
			continue
		}
		e.metrics.SetUnits(e.reg.Len())
	}
}
