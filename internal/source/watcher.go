package source

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"minireload/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig tunes the fsnotify-backed source.
type WatcherConfig struct {
	// Debounce holds a path back from Drain until no event arrived for it
	// for this long. Editors often write a file in several steps.
	Debounce time.Duration
	// Suffix restricts which files are reported. Empty reports everything.
	Suffix string
}

// DefaultWatcherConfig returns the settings used by the CLI.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 50 * time.Millisecond,
		Suffix:   ".go",
	}
}

// WatcherStats tracks watcher activity for diagnostics.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Drained       int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
}

// Watcher accumulates change events for a WatchSpec on a background
// goroutine. Drain hands them to the caller exactly once.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	spec     WatchSpec
	cfg      WatcherConfig
	pending  map[string]time.Time
	stats    WatcherStats
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher starts watching every root of spec. Recursive roots have all
// their current subdirectories added; directories created later are added
// as their create events arrive.
func NewWatcher(spec WatchSpec, cfg WatcherConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		spec:    spec,
		cfg:     cfg,
		pending: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	for _, root := range spec {
		if err := w.addRoot(root); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	go w.run()
	return w, nil
}

func (w *Watcher) addRoot(root Root) error {
	if !root.Recursive {
		logging.Watch("watching directory: %s", root.Path)
		return w.watcher.Add(root.Path)
	}
	return filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root.Path && SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		logging.WatchDebug("watching directory: %s", path)
		return w.watcher.Add(path)
	})
}

// SkipDir reports directories that never hold reloadable units.
func SkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata" || name == "node_modules"
}

// Mode implements ChangeSource.
func (w *Watcher) Mode() Mode { return ModeWatch }

// Close stops the watcher goroutine and releases the notifier.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		<-w.doneCh
		err = w.watcher.Close()
		logging.Watch("watcher stopped")
	})
	return err
}

// run is the main event loop for the watcher.
func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				logging.WatchDebug("event channel closed")
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				logging.WatchDebug("error channel closed")
				return
			}
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		}
	}
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if root, ok := w.spec.RootFor(path); ok && root.Recursive && !SkipDir(info.Name()) {
				if err := w.addRoot(Root{Path: path, Recursive: true}); err != nil {
					logging.WatchWarn("failed to watch new directory %s: %v", path, err)
				}
			}
			return
		}
	}

	if w.cfg.Suffix != "" && !strings.HasSuffix(path, w.cfg.Suffix) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return // chmod
	}

	logging.WatchDebug("%s event for %s", eventType, path)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.stats.LastEventTime = now
	w.stats.LastEventPath = path
	w.stats.LastEventType = eventType
	switch eventType {
	case "create":
		w.stats.FilesCreated++
	case "modify":
		w.stats.FilesModified++
	case "delete", "rename":
		w.stats.FilesDeleted++
	}
	w.pending[path] = now
}

// Drain implements ChangeSource. Paths still inside their debounce window
// stay queued for a later drain.
func (w *Watcher) Drain() Changes {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	paths := make(map[string]struct{})
	for path, at := range w.pending {
		if now.Sub(at) < w.cfg.Debounce {
			continue
		}
		paths[path] = struct{}{}
		delete(w.pending, path)
	}
	w.stats.Drained += len(paths)
	return Changes{Paths: paths}
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// GetWatchedDirs returns the directories being watched.
func (w *Watcher) GetWatchedDirs() []string {
	return w.watcher.WatchList()
}
