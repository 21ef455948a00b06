package invoke

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"minireload/internal/boundary"
	"minireload/internal/engine"
	"minireload/internal/source"
	"minireload/internal/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, src string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
}

func newPollEngine(t *testing.T, root string) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Mode = source.ModePoll
	cfg.Watch = source.WatchSpec{{Path: root, Recursive: true}}
	eng, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func quietConfig() Config {
	return Config{RetryAfter: time.Millisecond, Handler: func(*boundary.ErrorInfo) {}}
}

const implV1 = `package impl

func Update() int { return 42 }
`

func TestWrappingReloaderPicksUpEdits(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, implV1)

	w, err := NewWrappingReloader(newPollEngine(t, root), path, "Update", quietConfig())
	require.NoError(t, err)

	out := w.Call()
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{42}, out.Value)
	assert.Equal(t, StateReady, w.State())

	writeFile(t, path, "package impl\n\nfunc Update() int { return 43 }\n")
	out = w.Call()
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{43}, out.Value)
}

func TestWrappingReloaderSyntaxErrorThenRevert(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, implV1)

	w, err := NewWrappingReloader(newPollEngine(t, root), path, "Update", quietConfig())
	require.NoError(t, err)
	require.True(t, w.Call().OK())
	ns := w.Unit().Namespace()

	writeFile(t, path, "package impl\n\nfunc Update() int { return 43 +\n")
	out := w.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryReload, out.Failure.Category)
	assert.Equal(t, StateFailed, w.State())
	assert.Same(t, out.Failure, w.LastFailure())
	assert.NotEmpty(t, out.Failure.Trace)

	var rerr *unit.ReloadError
	require.ErrorAs(t, out.Failure, &rerr)
	assert.Equal(t, unit.StageCompile, rerr.Stage)

	// The failure stands while the file stays broken.
	again := w.Call()
	require.False(t, again.OK())
	assert.Equal(t, boundary.CategoryReload, again.Failure.Category)

	writeFile(t, path, implV1)
	out = w.Call()
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{42}, out.Value)
	assert.Equal(t, StateReady, w.State())
	assert.Nil(t, w.LastFailure())
	assert.Same(t, ns, w.Unit().Namespace())
}

func TestWrappingReloaderUserError(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, implV1)

	var handled []*boundary.ErrorInfo
	cfg := quietConfig()
	cfg.Handler = func(info *boundary.ErrorInfo) { handled = append(handled, info) }
	w, err := NewWrappingReloader(newPollEngine(t, root), path, "Update", cfg)
	require.NoError(t, err)
	require.True(t, w.Call().OK())

	writeFile(t, path, `package impl

import "errors"

var ErrValue = errors.New("value error")

func Update() (int, error) { return 0, ErrValue }
`)
	out := w.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryUserCall, out.Failure.Category)
	assert.EqualError(t, out.Failure.Err, "value error")
	assert.False(t, out.Failure.Panic)
	require.Len(t, handled, 1)

	// The loop keeps going: the next call runs the function again.
	out = w.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryUserCall, out.Failure.Category)
	assert.Equal(t, 2, w.Boundary().Stats().UserCall)
}

func TestWrappingReloaderUserPanic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, "package impl\n\nfunc Update() int { var m map[string]int; m[\"x\"] = 1; return 0 }\n")

	w, err := NewWrappingReloader(newPollEngine(t, root), path, "Update", quietConfig())
	require.NoError(t, err)

	out := w.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryUserCall, out.Failure.Category)
	assert.True(t, out.Failure.Panic)
	assert.NotEmpty(t, out.Failure.Trace)
}

func TestWrappingReloaderMissingFunction(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, "package impl\n\nvar Update = 3\n")

	w, err := NewWrappingReloader(newPollEngine(t, root), path, "Missing", quietConfig())
	require.NoError(t, err)

	out := w.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryReload, out.Failure.Category)
	assert.ErrorIs(t, out.Failure, ErrSymbolNotFound)

	w, err = NewWrappingReloader(newPollEngine(t, t.TempDir()), path, "Update", quietConfig())
	require.NoError(t, err)
	out = w.Call()
	require.False(t, out.OK())
	assert.ErrorIs(t, out.Failure, ErrNotCallable)
}

func TestWrappingReloaderArguments(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, "package impl\n\nfunc Add(a, b int64) int64 { return a + b }\n\nfunc Join(sep string, parts ...string) string {\n\tout := \"\"\n\tfor i, p := range parts {\n\t\tif i > 0 {\n\t\t\tout += sep\n\t\t}\n\t\tout += p\n\t}\n\treturn out\n}\n")
	eng := newPollEngine(t, root)

	add, err := NewWrappingReloader(eng, path, "Add", quietConfig())
	require.NoError(t, err)
	out := add.Call(1, 2)
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{int64(3)}, out.Value)

	out = add.Call(1)
	require.False(t, out.OK())
	assert.ErrorIs(t, out.Failure, ErrBadArguments)
	assert.Equal(t, boundary.CategoryUserCall, out.Failure.Category)

	out = add.Call("1", 2)
	assert.ErrorIs(t, out.Failure, ErrBadArguments)

	join, err := NewWrappingReloader(eng, path, "Join", quietConfig())
	require.NoError(t, err)
	out = join.Call(",", "a", "b")
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{"a,b"}, out.Value)
}

func TestSafeReloaderRefreshesEveryRoot(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	other := filepath.Join(root, "other.go")
	writeFile(t, path, implV1)
	writeFile(t, other, "package other\n\nvar Ready = true\n")
	eng := newPollEngine(t, root)

	var handled []*boundary.ErrorInfo
	cfg := quietConfig()
	cfg.Handler = func(info *boundary.ErrorInfo) { handled = append(handled, info) }
	s, err := NewSafeReloader(eng, path, "Update", cfg)
	require.NoError(t, err)
	out := s.Call()
	require.True(t, out.OK(), "%v", out.Failure)

	u, ok := eng.Lookup(other)
	require.True(t, ok)
	assert.True(t, u.Loaded())

	// A broken unit that Update does not import is reported, blamed on
	// itself, and does not stop the call.
	writeFile(t, other, "package other\n\nvar Ready = \n")
	out = s.Call()
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{42}, out.Value)
	require.Len(t, handled, 1)
	assert.Equal(t, boundary.CategoryReload, handled[0].Category)
	assert.Equal(t, "other", handled[0].Unit)

	// The standing failure is reported once.
	require.True(t, s.Call().OK())
	assert.Len(t, handled, 1)
	assert.Equal(t, StateReady, s.State())
}

func TestSafeReloaderBlocksOnImportedFailure(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "app.go")
	lib := filepath.Join(root, "lib", "mathx.go")
	writeFile(t, lib, "package mathx\n\nfunc Scale(x int) int { return x * 2 }\n")
	writeFile(t, path, "package app\n\nimport \"lib/mathx\"\n\nfunc Update() int { return mathx.Scale(21) }\n")

	s, err := NewSafeReloader(newPollEngine(t, root), path, "Update", quietConfig())
	require.NoError(t, err)
	out := s.Call()
	require.True(t, out.OK(), "%v", out.Failure)
	assert.Equal(t, []any{42}, out.Value)

	writeFile(t, lib, "package mathx\n\nfunc Scale(x int) int { return x *\n")
	out = s.Call()
	require.False(t, out.OK())
	assert.Equal(t, boundary.CategoryReload, out.Failure.Category)
	assert.Equal(t, "lib/mathx", out.Failure.Unit)
}

func TestSafeReloaderBesideHostMain(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, implV1)
	writeFile(t, filepath.Join(root, "main.go"), "package main\n\nfunc main() {}\n")

	var handled []*boundary.ErrorInfo
	cfg := quietConfig()
	cfg.Handler = func(info *boundary.ErrorInfo) { handled = append(handled, info) }
	s, err := NewSafeReloader(newPollEngine(t, root), path, "Update", cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		out := s.Call()
		require.True(t, out.OK(), "%v", out.Failure)
		assert.Equal(t, []any{42}, out.Value)
	}
	require.Len(t, handled, 1)
	assert.Equal(t, "main", handled[0].Unit)
	assert.ErrorIs(t, handled[0], unit.ErrMainUnit)
}

func TestHandlerMayInspectReloader(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "impl.go")
	writeFile(t, path, "package impl\n\nimport \"errors\"\n\nfunc Update() (int, error) { return 0, errors.New(\"boom\") }\n")
	eng := newPollEngine(t, root)

	var (
		w        *WrappingReloader
		states   []State
		lastSeen []*boundary.ErrorInfo
	)
	cfg := quietConfig()
	cfg.Handler = func(info *boundary.ErrorInfo) {
		states = append(states, w.State())
		lastSeen = append(lastSeen, w.LastFailure())
	}
	var err error
	w, err = NewWrappingReloader(eng, path, "Update", cfg)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() { done <- w.Call() }()

	select {
	case out := <-done:
		require.False(t, out.OK())
		assert.Equal(t, []State{StateFailed}, states)
		require.Len(t, lastSeen, 1)
		assert.Same(t, out.Failure, lastSeen[0])
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not return while the handler read the reloader state")
	}
}
