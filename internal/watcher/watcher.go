// Package watcher reports changes beneath watched context roots.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/logging"
)

// Op is the kind of change seen on a path.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is a change to a path beneath Root.
type Event struct {
	Root string
	Path string
	Op   Op
	Dir  bool
}

// TreeWatcher watches whole directory trees, adding new subdirectories as
// they appear.
type TreeWatcher struct {
	watcher   *fsnotify.Watcher
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger

	mu        sync.RWMutex
	roots     map[string]bool
	watchDirs map[string]bool
}

func New(log *zap.Logger) (*TreeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	tw := &TreeWatcher{
		watcher:   watcher,
		events:    make(chan Event, 256),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		log:       logging.OrNop(log).Named("watcher"),
		roots:     make(map[string]bool),
		watchDirs: make(map[string]bool),
	}

	go tw.run()
	return tw, nil
}

// AddRoot watches root and every directory beneath it.
func (tw *TreeWatcher) AddRoot(root string) error {
	root = filepath.Clean(root)
	if err := tw.addTree(root); err != nil {
		return err
	}
	tw.mu.Lock()
	tw.roots[root] = true
	tw.mu.Unlock()
	return nil
}

func (tw *TreeWatcher) addTree(path string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && !tw.watchDirs[walkPath] {
			if err := tw.watcher.Add(walkPath); err != nil {
				return err
			}
			tw.watchDirs[walkPath] = true
		}
		return nil
	})
}

// RemoveRoot stops watching root and everything beneath it.
func (tw *TreeWatcher) RemoveRoot(root string) error {
	root = filepath.Clean(root)
	tw.mu.Lock()
	defer tw.mu.Unlock()

	delete(tw.roots, root)
	var firstErr error
	for dir := range tw.watchDirs {
		if !within(root, dir) {
			continue
		}
		if err := tw.watcher.Remove(dir); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(tw.watchDirs, dir)
	}
	return firstErr
}

// Watching reports whether dir is currently watched.
func (tw *TreeWatcher) Watching(dir string) bool {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.watchDirs[filepath.Clean(dir)]
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// rootOf returns the watched root containing path.
func (tw *TreeWatcher) rootOf(path string) string {
	tw.mu.RLock()
	defer tw.mu.RUnlock()

	best := ""
	for root := range tw.roots {
		if within(root, path) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

func (tw *TreeWatcher) Events() <-chan Event {
	return tw.events
}

func (tw *TreeWatcher) Errors() <-chan error {
	return tw.errors
}

func (tw *TreeWatcher) Close() error {
	var err error
	tw.closeOnce.Do(func() {
		close(tw.done)
		err = tw.watcher.Close()
	})
	return err
}

func (tw *TreeWatcher) run() {
	for {
		select {
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			tw.handleEvent(event)

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case tw.errors <- err:
			default:
				tw.log.Warn("Dropping watcher error", zap.Error(err))
			}

		case <-tw.done:
			return
		}
	}
}

func (tw *TreeWatcher) handleEvent(event fsnotify.Event) {
	out := Event{Path: event.Name}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		out.Op = OpCreate
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			out.Dir = true
			if err := tw.addTree(event.Name); err != nil {
				tw.log.Warn("Failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		out.Op = OpWrite
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename reports the old name; the new name arrives as a create.
		out.Op = OpRemove
		tw.mu.Lock()
		out.Dir = tw.watchDirs[event.Name]
		delete(tw.watchDirs, event.Name)
		tw.mu.Unlock()
	default:
		return
	}

	out.Root = tw.rootOf(event.Name)
	if out.Root == "" {
		return
	}

	select {
	case tw.events <- out:
	default:
		tw.log.Warn("Dropping watcher event", zap.String("path", out.Path), zap.String("op", out.Op.String()))
	}
}
