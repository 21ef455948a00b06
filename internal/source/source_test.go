package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWatchSpec_Validate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(file, []byte("package a\n"), 0o644))

	assert.NoError(t, WatchSpec{{Path: dir}}.Validate())
	assert.ErrorIs(t, WatchSpec{{Path: "relative/dir"}}.Validate(), ErrRelativeRoot)
	assert.ErrorIs(t, WatchSpec{{Path: file}}.Validate(), ErrNotDirectory)
	assert.Error(t, WatchSpec{{Path: filepath.Join(dir, "missing")}}.Validate())
}

func TestWatchSpec_RootFor(t *testing.T) {
	flat := filepath.Join(string(filepath.Separator), "srv", "flat")
	deep := filepath.Join(string(filepath.Separator), "srv", "deep")
	spec := WatchSpec{{Path: flat}, {Path: deep, Recursive: true}}

	assert.True(t, spec.Covers(filepath.Join(flat, "main.go")))
	assert.False(t, spec.Covers(filepath.Join(flat, "sub", "x.go")), "non-recursive root must not cover subdirs")
	assert.True(t, spec.Covers(filepath.Join(deep, "lib", "mathx.go")))
	assert.False(t, spec.Covers(filepath.Join(string(filepath.Separator), "srv", "other.go")))
	assert.False(t, spec.Covers(flat))

	root, ok := spec.RootFor(filepath.Join(deep, "a", "b.go"))
	require.True(t, ok)
	assert.Equal(t, deep, root.Path)
}

func TestParseRoot(t *testing.T) {
	r, err := ParseRoot("scripts:r")
	require.NoError(t, err)
	assert.True(t, r.Recursive)
	assert.True(t, filepath.IsAbs(r.Path))
	assert.Equal(t, "scripts", filepath.Base(r.Path))

	r, err = ParseRoot("/tmp")
	require.NoError(t, err)
	assert.False(t, r.Recursive)
	assert.Equal(t, "/tmp", r.Path)
}

func TestPoll_AlwaysEverything(t *testing.T) {
	var p ChangeSource = Poll{}
	for i := 0; i < 3; i++ {
		c := p.Drain()
		assert.True(t, c.All)
		assert.True(t, c.Has("/anything.go"))
		assert.False(t, c.Empty())
	}
	assert.Equal(t, ModePoll, p.Mode())
	assert.NoError(t, p.Close())
}

func TestNew_PollMode(t *testing.T) {
	src := New(ModePoll, nil, DefaultWatcherConfig())
	assert.IsType(t, Poll{}, src)
}

func drainUntil(t *testing.T, w *Watcher, path string) Changes {
	t.Helper()
	var got Changes
	require.Eventually(t, func() bool {
		got = w.Drain()
		return got.Has(path)
	}, 5*time.Second, 20*time.Millisecond)
	return got
}

func TestWatcher_DrainsOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatchSpec{{Path: dir}}, WatcherConfig{Suffix: ".go"})
	require.NoError(t, err)
	defer w.Close()

	target := filepath.Join(dir, "calc.go")
	require.NoError(t, os.WriteFile(target, []byte("package calc\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	got := drainUntil(t, w, target)
	assert.False(t, got.All)
	assert.False(t, got.Has(filepath.Join(dir, "notes.txt")), "suffix filter")

	// Drained events are not re-delivered.
	assert.True(t, w.Drain().Empty())

	stats := w.GetStats()
	assert.GreaterOrEqual(t, stats.FilesCreated, 1)
	assert.Equal(t, target, stats.LastEventPath)
}

func TestWatcher_Debounce(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatchSpec{{Path: dir}}, WatcherConfig{Debounce: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	target := filepath.Join(dir, "calc.go")
	require.NoError(t, os.WriteFile(target, []byte("package calc\n"), 0o644))

	require.Eventually(t, func() bool {
		return w.GetStats().LastEventPath == target
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, w.Drain().Empty(), "event inside debounce window must stay queued")
}

func TestWatcher_RecursiveAddsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatchSpec{{Path: dir, Recursive: true}}, WatcherConfig{Suffix: ".go"})
	require.NoError(t, err)
	defer w.Close()

	sub := filepath.Join(dir, "lib")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool {
		for _, d := range w.GetWatchedDirs() {
			if d == sub {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	target := filepath.Join(sub, "mathx.go")
	require.NoError(t, os.WriteFile(target, []byte("package mathx\n"), 0o644))
	drainUntil(t, w, target)
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(WatchSpec{{Path: t.TempDir()}}, DefaultWatcherConfig())
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
