package dupfinder

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/catalog"
	"github.com/Fybrk/dupfinder/internal/ingest"
	"github.com/Fybrk/dupfinder/internal/watcher"
	"github.com/Fybrk/dupfinder/pkg/types"
)

func (e *Engine) watchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.watcher.Events():
			e.handleChange(event)
		case err := <-e.watcher.Errors():
			e.log.Warn("Watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleChange(event watcher.Event) {
	e.log.Debug("Change detected", zap.String("path", event.Path), zap.String("op", event.Op.String()))

	switch {
	case event.Op == watcher.OpRemove:
		e.removePath(event.Path)
	case event.Dir:
		e.addTree(event.Root, event.Path)
	default:
		e.addPath(event.Root, event.Path)
	}
}

// removePath drops a file, or every file beneath a directory.
func (e *Engine) removePath(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var doomed []types.FileID
	if id, err := e.cat.FindFile(path); err == nil {
		doomed = append(doomed, id)
	} else {
		prefix := path + string(filepath.Separator)
		for _, id := range e.cat.AllFiles() {
			if strings.HasPrefix(e.cat.Path(id), prefix) {
				doomed = append(doomed, id)
			}
		}
	}

	for _, id := range doomed {
		if err := e.groups.RemoveFile(id); err != nil {
			e.log.Warn("Failed to remove file", zap.String("path", path), zap.Error(err))
			continue
		}
		e.untrack(id)
	}
}

// addTree ingests a directory that appeared after its context was opened.
func (e *Engine) addTree(root, dir string) {
	var entries []ingest.Entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		entry, err := ingest.Stat(root, p)
		if err != nil {
			e.log.Warn("Skipping file", zap.String("path", p), zap.Error(err))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		e.log.Warn("Failed to scan new directory", zap.String("path", dir), zap.Error(err))
	}
	e.replace(root, entries)
}

func (e *Engine) addPath(root, path string) {
	entry, err := ingest.Stat(root, path)
	if err != nil {
		// Usually a file that vanished again before we got to it.
		e.log.Debug("Ignoring change", zap.String("path", path), zap.Error(err))
		return
	}
	e.replace(root, []ingest.Entry{entry})
}

// replace (re)adds entries at size depth and queues a re-analysis.
func (e *Engine) replace(root string, entries []ingest.Entry) {
	if len(entries) == 0 {
		return
	}

	e.mu.Lock()
	ctx := e.contextByRoot(root)
	if ctx == nil {
		e.mu.Unlock()
		return
	}

	var added []types.FileID
	for _, entry := range entries {
		path := filepath.Join(root, filepath.FromSlash(entry.RelPath))
		if old, err := e.cat.FindFile(path); err == nil {
			f := e.cat.File(old)
			if f.Size == entry.Size && f.ModTime == entry.ModTime {
				continue
			}
			if err := e.groups.RemoveFile(old); err != nil && !errors.Is(err, catalog.ErrNotFound) {
				e.log.Warn("Failed to replace file", zap.String("path", path), zap.Error(err))
				continue
			}
			e.untrack(old)
		}

		id, err := ingest.Add(e.cat, ctx.ID, entry)
		if err != nil {
			e.log.Warn("Failed to add file", zap.String("path", path), zap.Error(err))
			continue
		}
		e.track(id, entry.Size)
		added = append(added, id)
	}
	e.mu.Unlock()

	if len(added) == 0 {
		return
	}
	if _, err := e.sched.Submit(added, types.LevelSize); err != nil {
		e.log.Debug("Re-analysis not queued", zap.Error(err))
	}
}
