package unit

import (
	"errors"
	"fmt"
)

// Sentinel errors for unit operations.
var (
	// ErrNoPackage is returned for source without a package clause.
	ErrNoPackage = errors.New("source has no package clause")

	// ErrMainUnit is returned for units that declare func main. A unit is
	// a library executed for its declarations, not a program.
	ErrMainUnit = errors.New("unit declares func main")

	// ErrUnitNotFound is returned when a path is not a registered unit.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrDuplicateImportPath is returned when two files map to the same
	// import path.
	ErrDuplicateImportPath = errors.New("import path already registered")

	// ErrImportNotAllowed is returned when a unit imports a package that is
	// neither another unit nor on the allowlist.
	ErrImportNotAllowed = errors.New("import not allowed")

	// ErrDependencyFailed is returned when a dependency of the unit could
	// not be brought up to date.
	ErrDependencyFailed = errors.New("dependency failed to load")

	// ErrImportCycle is returned when a unit imports itself through a chain
	// of units that have never loaded.
	ErrImportCycle = errors.New("import cycle")
)

// Stage names the reload step that failed.
type Stage string

const (
	StageRead       Stage = "read"
	StageScan       Stage = "scan"
	StageGlue       Stage = "glue"
	StageDependency Stage = "dependency"
	StageCompile    Stage = "compile"
	StageExec       Stage = "exec"
	StageLink       Stage = "link"
)

// ReloadError describes a failed reload. The unit's namespace is unchanged
// when one is returned.
type ReloadError struct {
	Unit  string // import path
	Path  string
	Stage Stage
	Err   error
	Stack string // stack of a recovered panic in user top-level code
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload %s (%s): %v", e.Unit, e.Stage, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Trace returns the best available location information: the recovered
// stack for panics, otherwise the interpreter's positioned message.
func (e *ReloadError) Trace() string {
	if e.Stack != "" {
		return e.Stack
	}
	return e.Err.Error()
}
