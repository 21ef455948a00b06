package invoke

import (
	"errors"
	"fmt"
	"reflect"

	"minireload/internal/unit"
)

var (
	// ErrSymbolNotFound is returned when a name is not bound in the unit.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNotCallable is returned when the resolved symbol is not a func.
	ErrNotCallable = errors.New("symbol is not callable")
	// ErrBadArguments is returned when call arguments do not fit the
	// resolved signature.
	ErrBadArguments = errors.New("arguments do not match signature")
	// ErrBadSignature is returned when a launch method or handler has a
	// shape the launcher cannot drive.
	ErrBadSignature = errors.New("unsupported method signature")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// resolve looks name up in u's namespace right before a call.
func resolve(u *unit.Unit, name string) (reflect.Value, error) {
	sym, ok := u.Namespace().Lookup(name)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w: %s.%s", ErrSymbolNotFound, u.ImportPath, name)
	}
	if sym.Value.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: %s.%s is a %s", ErrNotCallable, u.ImportPath, name, sym.Kind)
	}
	return sym.Value, nil
}

// call invokes fn with args converted to its parameter types. A trailing
// error result is split off and returned as the error.
func call(fn reflect.Value, args ...any) ([]any, error) {
	t := fn.Type()
	switch {
	case t.IsVariadic() && len(args) < t.NumIn()-1:
		return nil, fmt.Errorf("%w: want at least %d arguments, got %d", ErrBadArguments, t.NumIn()-1, len(args))
	case !t.IsVariadic() && len(args) != t.NumIn():
		return nil, fmt.Errorf("%w: want %d arguments, got %d", ErrBadArguments, t.NumIn(), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		want := paramType(t, i)
		if a == nil {
			in[i] = reflect.Zero(want)
			continue
		}
		v := reflect.ValueOf(a)
		switch {
		case v.Type().AssignableTo(want):
		case v.Type().ConvertibleTo(want) && v.Kind() != reflect.String && want.Kind() != reflect.String:
			v = v.Convert(want)
		default:
			return nil, fmt.Errorf("%w: argument %d is %s, want %s", ErrBadArguments, i, v.Type(), want)
		}
		in[i] = v
	}

	out := fn.Call(in)
	results := make([]any, 0, len(out))
	var err error
	for i, v := range out {
		if i == len(out)-1 && t.Out(i) == errorType {
			if !v.IsNil() {
				err = v.Interface().(error)
			}
			continue
		}
		results = append(results, v.Interface())
	}
	return results, err
}

func paramType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}
