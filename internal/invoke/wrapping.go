// Package invoke calls into interpreted units through the failure
// boundary, refreshing them before every call.
package invoke

import (
	"errors"
	"sync"
	"time"

	"minireload/internal/boundary"
	"minireload/internal/engine"
	"minireload/internal/logging"
	"minireload/internal/unit"
)

// Outcome is the result of one guarded call: the call's results, with a
// trailing error split off, or the captured failure.
type Outcome = boundary.Result[[]any]

// State is the informational state of a reloader.
type State int

const (
	StateReady State = iota
	StateFailed
)

func (s State) String() string {
	if s == StateFailed {
		return "failed"
	}
	return "ready"
}

// Config configures WrappingReloader and SafeReloader.
type Config struct {
	// RetryAfter is slept before returning a reload failure that is still
	// standing from the previous call, so a broken file does not spin the
	// caller's loop.
	RetryAfter time.Duration
	// Handler receives every captured failure. Nil logs them.
	Handler boundary.Handler
}

// DefaultConfig returns the default reloader settings.
func DefaultConfig() Config {
	return Config{RetryAfter: 100 * time.Millisecond}
}

// WrappingReloader calls one function of one unit, reloading that unit
// (and what it imports) before every call.
type WrappingReloader struct {
	eng      *engine.Engine
	unit     *unit.Unit
	name     string
	cfg      Config
	boundary *boundary.Boundary

	mu         sync.Mutex
	refresher  *refresher
	state      State
	last       *boundary.ErrorInfo
	lastReload *unit.ReloadError
}

// NewWrappingReloader wraps funcName of the unit at path. The unit is
// registered with eng if needed; it is loaded on the first call.
func NewWrappingReloader(eng *engine.Engine, path, funcName string, cfg Config) (*WrappingReloader, error) {
	u, err := eng.Register(path)
	if err != nil {
		return nil, err
	}
	return newReloader(eng, u, funcName, engine.Only(u), cfg), nil
}

// NewSafeReloader wraps funcName of the unit at path like
// NewWrappingReloader, but refreshes every unit under the engine's watch
// roots before each call. Failures of units the function does not import
// go to the handler once and do not stop the call.
func NewSafeReloader(eng *engine.Engine, path, funcName string, cfg Config) (*WrappingReloader, error) {
	u, err := eng.Register(path)
	if err != nil {
		return nil, err
	}
	return newReloader(eng, u, funcName, engine.All(), cfg), nil
}

func newReloader(eng *engine.Engine, u *unit.Unit, name string, scope engine.Scope, cfg Config) *WrappingReloader {
	return &WrappingReloader{
		eng:       eng,
		unit:      u,
		name:      name,
		cfg:       cfg,
		boundary:  boundary.New(cfg.Handler),
		refresher: newRefresher(eng, u, scope),
	}
}

// Unit returns the unit owning the wrapped function.
func (w *WrappingReloader) Unit() *unit.Unit { return w.unit }

// Boundary returns the boundary capturing this reloader's failures.
func (w *WrappingReloader) Boundary() *boundary.Boundary { return w.boundary }

// State returns the current state.
func (w *WrappingReloader) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastFailure returns the failure of the most recent call, or nil.
func (w *WrappingReloader) LastFailure() *boundary.ErrorInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Call refreshes, re-resolves the function by name and calls it with args.
// It never panics because of user code. Failures reach the handler after
// the reloader's state is updated, so handlers may call State and
// LastFailure.
func (w *WrappingReloader) Call(args ...any) Outcome {
	out, failures, wait := w.call(args)
	if wait > 0 {
		time.Sleep(wait)
	}
	for _, info := range failures {
		w.boundary.Deliver(info)
	}
	return out
}

// call does the work of Call under the lock and returns the failures to
// deliver and how long to back off.
func (w *WrappingReloader) call(args []any) (Outcome, []*boundary.ErrorInfo, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	u := w.unit
	blocking, failures := w.refresher.run(w.boundary)
	if blocking != nil {
		var wait time.Duration
		var rerr *unit.ReloadError
		if errors.As(blocking, &rerr) {
			rerr = origin(rerr)
			if rerr == w.lastReload {
				wait = w.cfg.RetryAfter
			}
		}
		w.lastReload = rerr
		return w.finish(Outcome{Failure: blocking}), append(failures, blocking), wait
	}
	w.lastReload = nil

	fn, err := resolve(u, w.name)
	if err != nil {
		info := w.boundary.Record(boundary.Capture(boundary.CategoryReload, u.ImportPath, err))
		return w.finish(Outcome{Failure: info}), append(failures, info), 0
	}

	out := boundary.Catch(w.boundary, boundary.CategoryUserCall, u.ImportPath, func() ([]any, error) {
		return call(fn, args...)
	})
	if !out.OK() {
		failures = append(failures, out.Failure)
	}
	return w.finish(out), failures, 0
}

func (w *WrappingReloader) finish(out Outcome) Outcome {
	if out.OK() {
		if w.state == StateFailed {
			logging.Invoke("%s.%s recovered", w.unit.ImportPath, w.name)
		}
		w.state, w.last = StateReady, nil
		w.eng.Metrics().ObserveInvocation("")
		return out
	}
	w.state, w.last = StateFailed, out.Failure
	w.eng.Metrics().ObserveInvocation(string(out.Failure.Category))
	return out
}
