package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"minireload/internal/boundary"
	"minireload/internal/engine"
	"minireload/internal/logging"
	"minireload/internal/unit"
)

// Policy decides what happens to the launched instance when its unit
// commits a new generation.
type Policy string

const (
	// PolicyPreserve copies field values by name from the old instance into
	// the one built by the new generation.
	PolicyPreserve Policy = "preserve"
	// PolicyReinstantiate keeps the freshly built instance as is.
	PolicyReinstantiate Policy = "reinstantiate"
)

// Names of the symbols the launcher glue adds to a unit.
const (
	glueInstance = "ReloadGlueInstance"
	glueCall     = "ReloadGlueCall"
	glueHandle   = "ReloadGlueHandle"
)

// LaunchConfig configures a Launcher.
type LaunchConfig struct {
	// HandlerMethod names a method on the launched type that receives
	// failures. It must take one error and return nothing or a bool.
	HandlerMethod string
	Policy        Policy
	// Backoff is slept by Run after a failed iteration.
	Backoff time.Duration
	// Handler receives failures when no HandlerMethod is declared. Nil
	// logs them.
	Handler boundary.Handler
}

// DefaultLaunchConfig returns the default launcher settings.
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{Policy: PolicyPreserve, Backoff: 100 * time.Millisecond}
}

// Launcher drives one method of one instance of a type declared by a unit.
// Every step refreshes all watched units, swaps in the instance built by a
// new generation when there is one, and calls the method.
type Launcher struct {
	eng      *engine.Engine
	unit     *unit.Unit
	typeName string
	method   string
	cfg      LaunchConfig
	boundary *boundary.Boundary

	mu          sync.Mutex
	refresher   *refresher
	instance    reflect.Value
	instanceGen uint64
	iterations  int
}

// NewLauncher installs launcher glue into the unit at path. Only one
// launcher per unit is supported; a second one replaces the first's glue.
func NewLauncher(eng *engine.Engine, path, typeName, method string, cfg LaunchConfig) (*Launcher, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPreserve
	}
	u, err := eng.Register(path)
	if err != nil {
		return nil, err
	}
	l := &Launcher{
		eng:      eng,
		unit:     u,
		typeName: typeName,
		method:   method,
		cfg:      cfg,
	}
	l.boundary = boundary.New(l.dispatch)
	l.refresher = newRefresher(eng, u, engine.All())
	u.SetGlue(l.glue)
	return l, nil
}

// Unit returns the launched unit.
func (l *Launcher) Unit() *unit.Unit { return l.unit }

// Boundary returns the boundary capturing this launcher's failures.
func (l *Launcher) Boundary() *boundary.Boundary { return l.boundary }

// Instance returns the current instance, a pointer to the launched type.
// It is invalid before the first successful load.
func (l *Launcher) Instance() reflect.Value {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.instance
}

// Iterations returns the number of completed steps.
func (l *Launcher) Iterations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.iterations
}

// Step runs one iteration. Every watched unit is refreshed, but only
// failures in the launched unit or what it imports skip the method call.
// Failures are dispatched after the launcher's lock is released, so a
// handler may call Instance.
func (l *Launcher) Step() Outcome {
	out, failures := l.step()
	for _, info := range failures {
		l.boundary.Deliver(info)
	}
	return out
}

func (l *Launcher) step() (Outcome, []*boundary.ErrorInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterations++

	u := l.unit
	blocking, failures := l.refresher.run(l.boundary)
	if blocking != nil {
		return l.observe(Outcome{Failure: blocking}), append(failures, blocking)
	}

	if gen := u.Generation(); gen != l.instanceGen {
		if err := l.swap(gen); err != nil {
			info := l.boundary.Record(boundary.Capture(boundary.CategoryReload, u.ImportPath, err))
			return l.observe(Outcome{Failure: info}), append(failures, info)
		}
	}

	fn, err := resolve(u, glueCall)
	if err != nil {
		info := l.boundary.Record(boundary.Capture(boundary.CategoryReload, u.ImportPath, err))
		return l.observe(Outcome{Failure: info}), append(failures, info)
	}
	out := boundary.Catch(l.boundary, boundary.CategoryUserCall, u.ImportPath, func() ([]any, error) {
		return call(fn)
	})
	if !out.OK() {
		failures = append(failures, out.Failure)
	}
	return l.observe(out), failures
}

func (l *Launcher) observe(out Outcome) Outcome {
	if out.OK() {
		l.eng.Metrics().ObserveInvocation("")
	} else {
		l.eng.Metrics().ObserveInvocation(string(out.Failure.Category))
	}
	return out
}

// Run steps until ctx is cancelled, sleeping Backoff after each failed
// step.
func (l *Launcher) Run(ctx context.Context) error {
	logging.Invoke("launching %s.%s.%s (policy %s)", l.unit.ImportPath, l.typeName, l.method, l.cfg.Policy)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		out := l.Step()
		if out.OK() || l.cfg.Backoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.Backoff):
		}
	}
}

// Launch builds a launcher for typeName.method of the unit at path and runs
// it until ctx is cancelled.
func Launch(ctx context.Context, eng *engine.Engine, path, typeName, method string, cfg LaunchConfig) error {
	l, err := NewLauncher(eng, path, typeName, method, cfg)
	if err != nil {
		return err
	}
	return l.Run(ctx)
}

// swap adopts the instance built by generation gen.
func (l *Launcher) swap(gen uint64) error {
	fn, err := resolve(l.unit, glueInstance)
	if err != nil {
		return err
	}
	out := fn.Call(nil)
	if len(out) != 1 || out[0].Kind() != reflect.Ptr || out[0].IsNil() {
		return fmt.Errorf("%w: %s constructor returned no instance", ErrBadSignature, l.typeName)
	}
	fresh := out[0]

	preserved := 0
	if l.instance.IsValid() && l.cfg.Policy == PolicyPreserve {
		preserved = copyState(l.instance, fresh)
	}
	l.instance = fresh
	l.instanceGen = gen

	logging.InvokeDebug("%s: adopted %s instance of generation %d (%d fields preserved)", l.unit.ImportPath, l.typeName, gen, preserved)
	logging.AuditWithUnit(l.unit.ImportPath).InstanceSwap(l.unit.ImportPath, gen, preserved)
	return nil
}

// dispatch routes a failure to the instance's handler method when one is
// declared and loaded, else to the generic handler.
func (l *Launcher) dispatch(info *boundary.ErrorInfo) {
	if l.cfg.HandlerMethod != "" {
		if fn, err := resolve(l.unit, glueHandle); err == nil {
			out, err := call(fn, info)
			if err != nil {
				logging.InvokeWarn("%s.%s: %v", l.typeName, l.cfg.HandlerMethod, err)
			}
			if len(out) == 1 && out[0] == true {
				logging.InvokeDebug("%s.%s handled %s", l.typeName, l.cfg.HandlerMethod, info.ID)
			}
			return
		}
	}
	if l.cfg.Handler != nil {
		l.cfg.Handler(info)
		return
	}
	boundary.LogHandler(info)
}

// glue generates the source that exposes the launched instance, its
// method and its handler as package-level funcs.
func (l *Launcher) glue(s *unit.Scan) (unit.Glue, error) {
	t := l.typeName
	if !s.HasType(t) {
		return unit.Glue{}, fmt.Errorf("%w: type %s", ErrSymbolNotFound, t)
	}

	var b strings.Builder
	switch res, ok := s.Results["New"+t]; {
	case ok && res == "*"+t:
		fmt.Fprintf(&b, "var reloadGlueInstance = New%s()\n", t)
	case ok && res == t:
		fmt.Fprintf(&b, "var reloadGlueInstance = func() *%s { v := New%s(); return &v }()\n", t, t)
	default:
		fmt.Fprintf(&b, "var reloadGlueInstance = new(%s)\n", t)
	}
	fmt.Fprintf(&b, "\nfunc %s() *%s { return reloadGlueInstance }\n", glueInstance, t)

	m, ok := s.Method(t, l.method)
	if !ok {
		return unit.Glue{}, fmt.Errorf("%w: method %s.%s", ErrSymbolNotFound, t, l.method)
	}
	if m.ParamCount() != 0 {
		return unit.Glue{}, fmt.Errorf("%w: %s.%s must take no arguments", ErrBadSignature, t, l.method)
	}
	switch m.Result {
	case "":
		fmt.Fprintf(&b, "\nfunc %s() error { reloadGlueInstance.%s(); return nil }\n", glueCall, l.method)
	case "error":
		fmt.Fprintf(&b, "\nfunc %s() error { return reloadGlueInstance.%s() }\n", glueCall, l.method)
	default:
		return unit.Glue{}, fmt.Errorf("%w: %s.%s must return nothing or error", ErrBadSignature, t, l.method)
	}
	symbols := []string{glueInstance, glueCall}

	if name := l.cfg.HandlerMethod; name != "" {
		h, ok := s.Method(t, name)
		if !ok {
			return unit.Glue{}, fmt.Errorf("%w: handler %s.%s", ErrSymbolNotFound, t, name)
		}
		if h.ParamCount() != 1 {
			return unit.Glue{}, fmt.Errorf("%w: handler %s.%s must take one error", ErrBadSignature, t, name)
		}
		switch h.Result {
		case "":
			fmt.Fprintf(&b, "\nfunc %s(err error) bool { reloadGlueInstance.%s(err); return false }\n", glueHandle, name)
		case "bool":
			fmt.Fprintf(&b, "\nfunc %s(err error) bool { return reloadGlueInstance.%s(err) }\n", glueHandle, name)
		default:
			return unit.Glue{}, fmt.Errorf("%w: handler %s.%s must return nothing or bool", ErrBadSignature, t, name)
		}
		symbols = append(symbols, glueHandle)
	}

	return unit.Glue{Source: b.String(), Symbols: symbols}, nil
}

// copyState copies exported and unexported field values by name from one
// struct pointer into another. Values of differing types go through a JSON
// round trip; fields that cannot be converted keep the fresh value. It
// returns the number of fields copied.
func copyState(from, to reflect.Value) int {
	from, to = reflect.Indirect(from), reflect.Indirect(to)
	if from.Kind() != reflect.Struct || to.Kind() != reflect.Struct {
		return 0
	}

	n := 0
	for i := 0; i < to.NumField(); i++ {
		dst := to.Field(i)
		if !dst.CanSet() {
			continue
		}
		src := from.FieldByName(to.Type().Field(i).Name)
		if !src.IsValid() || !src.CanInterface() {
			continue
		}
		if src.Type().AssignableTo(dst.Type()) {
			dst.Set(src)
			n++
			continue
		}
		data, err := json.Marshal(src.Interface())
		if err != nil {
			continue
		}
		v := reflect.New(dst.Type())
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			continue
		}
		dst.Set(v.Elem())
		n++
	}
	return n
}
