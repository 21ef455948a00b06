// Package boundary converts failures of interpreted code into values.
//
// Guard runs a step and returns either its value or an *ErrorInfo. Panics
// are recovered only for user calls: a panic escaping a reload step means
// the engine itself is broken, and that must not be hidden.
package boundary

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"minireload/internal/logging"
	"minireload/internal/unit"

	"github.com/google/uuid"
)

// Category classifies a captured failure.
type Category string

const (
	// CategoryUserCall is a failure raised by the invoked user function.
	CategoryUserCall Category = "user-call"
	// CategoryReload is a failure while bringing code up to date.
	CategoryReload Category = "reload"
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorInfo is an immutable record of one captured failure.
type ErrorInfo struct {
	ID       string
	Category Category
	Unit     string
	Err      error
	Panic    bool
	Trace    string
	Time     time.Time
}

func (e *ErrorInfo) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s failure in %s: %v", e.Category, e.Unit, e.Err)
}

func (e *ErrorInfo) Unwrap() error { return e.Err }

// Result is the outcome of a guarded step: exactly one of Value and Failure
// is meaningful.
type Result[T any] struct {
	Value   T
	Failure *ErrorInfo
}

// OK reports whether the step succeeded.
func (r Result[T]) OK() bool { return r.Failure == nil }

// Handler receives every captured failure.
type Handler func(*ErrorInfo)

// Stats counts captured failures per category.
type Stats struct {
	UserCall        int
	Reload          int
	Panics          int
	HandlerPanics   int
	LastFailureTime time.Time
}

// Boundary captures failures and reports them to its handler.
type Boundary struct {
	handler Handler

	mu    sync.Mutex
	stats Stats
}

// New creates a boundary. A nil handler logs each failure with its trace.
func New(h Handler) *Boundary {
	if h == nil {
		h = LogHandler
	}
	return &Boundary{handler: h}
}

// LogHandler logs a failure and its trace.
func LogHandler(info *ErrorInfo) {
	logger := logging.Get(logging.CategoryBoundary)
	logger.Error("%v", info)
	if info.Trace != "" {
		logger.Debug("trace for %s:\n%s", info.ID, info.Trace)
	}
}

// Stats returns a snapshot of the failure counters.
func (b *Boundary) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Capture builds an ErrorInfo for err without running anything.
func Capture(category Category, unitName string, err error) *ErrorInfo {
	info := &ErrorInfo{
		ID:       uuid.NewString(),
		Category: category,
		Unit:     unitName,
		Err:      err,
		Time:     time.Now(),
	}

	var perr *PanicError
	var rerr *unit.ReloadError
	switch {
	case errors.As(err, &perr):
		info.Panic = true
		info.Trace = perr.Stack
	case errors.As(err, &rerr):
		info.Trace = rerr.Trace()
	}
	return info
}

// Guard runs fn. A returned error becomes the failure. A panic is recovered
// and becomes the failure only when category is CategoryUserCall; for any
// other category it propagates to the caller.
func Guard[T any](b *Boundary, category Category, unitName string, fn func() (T, error)) Result[T] {
	res := Catch(b, category, unitName, fn)
	if res.Failure != nil {
		b.Deliver(res.Failure)
	}
	return res
}

// Catch runs fn like Guard and records the failure, but does not hand it
// to the handler. Callers holding locks deliver it with Deliver once they
// have released them.
func Catch[T any](b *Boundary, category Category, unitName string, fn func() (T, error)) (res Result[T]) {
	if category == CategoryUserCall {
		defer func() {
			if p := recover(); p != nil {
				perr := &PanicError{Value: p, Stack: string(debug.Stack())}
				res = Result[T]{Failure: b.Record(Capture(category, unitName, perr))}
			}
		}()
	}

	v, err := fn()
	if err != nil {
		return Result[T]{Failure: b.Record(Capture(category, unitName, err))}
	}
	return Result[T]{Value: v}
}

// Report records info and hands it to the handler.
func (b *Boundary) Report(info *ErrorInfo) {
	b.Deliver(b.Record(info))
}

// Record counts info and writes its audit event.
func (b *Boundary) Record(info *ErrorInfo) *ErrorInfo {
	b.mu.Lock()
	switch info.Category {
	case CategoryUserCall:
		b.stats.UserCall++
	case CategoryReload:
		b.stats.Reload++
	}
	if info.Panic {
		b.stats.Panics++
	}
	b.stats.LastFailureTime = info.Time
	b.mu.Unlock()

	logging.AuditWithUnit(info.Unit).CallFailed(info.Unit, string(info.Category), info.Err)
	return info
}

// Deliver hands info to the handler. A panicking handler is recovered and
// counted.
func (b *Boundary) Deliver(info *ErrorInfo) {
	defer func() {
		if p := recover(); p != nil {
			b.mu.Lock()
			b.stats.HandlerPanics++
			b.mu.Unlock()
			logging.Get(logging.CategoryBoundary).Error("failure handler panicked on %s: %v", info.ID, p)
		}
	}()
	b.handler(info)
}
