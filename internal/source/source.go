// Package source tells the reload engine which files may have changed.
//
// Two implementations exist: Poll, which answers "everything" on every
// drain, and Watcher, which accumulates fsnotify events in the background
// and hands them out once per Drain.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"minireload/internal/logging"
)

// Mode selects how staleness is detected.
type Mode string

const (
	ModeWatch Mode = "watch"
	ModePoll  Mode = "poll"
)

var (
	// ErrRelativeRoot is returned for watch roots that are not absolute paths.
	ErrRelativeRoot = errors.New("watch root must be an absolute path")
	// ErrNotDirectory is returned for watch roots that are not directories.
	ErrNotDirectory = errors.New("watch root is not a directory")
)

// Root is one (directory, recursive) pair of a WatchSpec.
type Root struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

// WatchSpec is the ordered set of roots a ChangeSource covers.
type WatchSpec []Root

// Validate checks every root is an absolute, existing directory.
func (s WatchSpec) Validate() error {
	for _, r := range s {
		if !filepath.IsAbs(r.Path) {
			return fmt.Errorf("%w: %q", ErrRelativeRoot, r.Path)
		}
		info, err := os.Stat(r.Path)
		if err != nil {
			return fmt.Errorf("watch root %q: %w", r.Path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %q", ErrNotDirectory, r.Path)
		}
	}
	return nil
}

// Covers reports whether path lies inside one of the roots, honouring the
// recursive flag.
func (s WatchSpec) Covers(path string) bool {
	_, ok := s.RootFor(path)
	return ok
}

// RootFor returns the first root that covers path.
func (s WatchSpec) RootFor(path string) (Root, bool) {
	for _, r := range s {
		rel, err := filepath.Rel(r.Path, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if !r.Recursive && strings.ContainsRune(rel, filepath.Separator) {
			continue
		}
		return r, true
	}
	return Root{}, false
}

// ParseRoot parses the CLI form "DIR" or "DIR:r" (recursive).
func ParseRoot(s string) (Root, error) {
	recursive := false
	if strings.HasSuffix(s, ":r") {
		recursive = true
		s = strings.TrimSuffix(s, ":r")
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return Root{}, err
	}
	return Root{Path: abs, Recursive: recursive}, nil
}

// Changes is the result of one Drain.
type Changes struct {
	// All means every unit must be treated as a candidate.
	All bool
	// Paths holds cleaned absolute paths of changed files.
	Paths map[string]struct{}
}

// Has reports whether path is part of the change set.
func (c Changes) Has(path string) bool {
	if c.All {
		return true
	}
	_, ok := c.Paths[path]
	return ok
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return !c.All && len(c.Paths) == 0
}

// ChangeSource is the engine's view of filesystem change detection.
type ChangeSource interface {
	// Drain returns the changes accumulated since the previous call and
	// forgets them. It never blocks waiting for new events.
	Drain() Changes
	// Mode reports which strategy the source implements.
	Mode() Mode
	Close() error
}

// Poll treats every unit as a candidate on every drain.
type Poll struct{}

func (Poll) Drain() Changes { return Changes{All: true} }
func (Poll) Mode() Mode     { return ModePoll }
func (Poll) Close() error   { return nil }

// New builds the ChangeSource for mode. A watcher that cannot be created
// degrades to Poll: no notifier means "assume always stale".
func New(mode Mode, spec WatchSpec, cfg WatcherConfig) ChangeSource {
	if mode == ModePoll {
		return Poll{}
	}
	w, err := NewWatcher(spec, cfg)
	if err != nil {
		logging.WatchWarn("filesystem notifier unavailable, falling back to polling: %v", err)
		return Poll{}
	}
	return w
}
