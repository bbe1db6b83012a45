// Package dupfinder is the embeddable duplicate finder. An Engine owns the
// catalog, the group index and the verification cache, and serializes every
// mutation behind one lock shared with the escalation worker.
package dupfinder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/catalog"
	"github.com/Fybrk/dupfinder/internal/fingerprint"
	"github.com/Fybrk/dupfinder/internal/grouping"
	"github.com/Fybrk/dupfinder/internal/ingest"
	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/internal/scheduler"
	"github.com/Fybrk/dupfinder/internal/storage"
	"github.com/Fybrk/dupfinder/internal/verify"
	"github.com/Fybrk/dupfinder/internal/watcher"
	"github.com/Fybrk/dupfinder/pkg/types"
)

var (
	ErrUnknownContext = errors.New("unknown context")
	ErrUnknownFile    = errors.New("unknown file")
	ErrClosed         = errors.New("engine closed")
	ErrNoDatabase     = errors.New("engine has no database")

	// ErrOverlappingContext is returned when a root is nested inside, or
	// contains, the root of an open context.
	ErrOverlappingContext = catalog.ErrOverlap
)

// Config holds configuration for an Engine. An empty DBPath keeps all
// state in memory.
type Config struct {
	DBPath      string
	Watch       bool
	Fingerprint fingerprint.Options
	Grouping    grouping.Options
	Logger      *zap.Logger
}

// DefaultConfig returns an in-memory configuration with default options.
func DefaultConfig() Config {
	return Config{Grouping: grouping.DefaultOptions()}
}

// ContextInfo describes an open context.
type ContextInfo struct {
	ID     types.ContextID
	Name   string
	Root   string
	Folder types.FolderID
	Files  int
	Seeded int
}

// Summary is the duplicate picture of one context.
type Summary struct {
	Context        ContextInfo
	Bytes          int64
	Duplicates     int
	GlobalDups     int
	DuplicateBytes int64
	Groups         int
	Waste          int64
}

// Engine provides the main API for duplicate finding.
type Engine struct {
	mu     sync.Mutex
	closed bool

	log     *zap.Logger
	store   *storage.Store
	cache   *verify.Cache
	cat     *catalog.Catalog
	fp      *fingerprint.Fingerprinter
	groups  *grouping.Engine
	sched   *scheduler.Scheduler
	watcher *watcher.TreeWatcher

	sizeMu sync.RWMutex
	sizes  map[types.FileID]int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine, restoring the verification cache from the
// database when one is configured.
func New(cfg Config) (*Engine, error) {
	log := logging.OrNop(cfg.Logger)

	e := &Engine{
		log:   log.Named("engine"),
		cache: verify.New(),
		cat:   catalog.New(),
		sizes: make(map[types.FileID]int64),
	}

	if cfg.DBPath != "" {
		store, err := storage.Open(cfg.DBPath, log)
		if err != nil {
			return nil, err
		}
		e.store = store

		records, err := store.LoadVerification()
		switch {
		case errors.Is(err, storage.ErrVersionMismatch):
			e.log.Warn("Discarding verification cache", zap.Error(err))
		case err != nil:
			store.Close()
			return nil, fmt.Errorf("load verification cache: %w", err)
		default:
			e.cache.Restore(records)
		}
	}

	fpOpts := cfg.Fingerprint
	fpOpts.Logger = log
	e.fp = fingerprint.New(fpOpts)
	e.groups = grouping.New(e.cat, e.fp, e.cache, cfg.Grouping, log)
	e.sched = scheduler.New(worker{e}, &e.mu, worker{e}, log)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.sched.Start(ctx)

	if cfg.Watch {
		tw, err := watcher.New(log)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("start watcher: %w", err)
		}
		e.watcher = tw
		e.wg.Add(1)
		go e.watchLoop(ctx)
	}

	return e, nil
}

// worker adapts the engine to the scheduler.
type worker struct{ e *Engine }

func (w worker) Escalate(id types.FileID, depth types.DetailLevel) (int64, error) {
	return w.e.groups.Escalate(id, depth)
}

func (w worker) Reanalyze() {
	w.e.groups.Analyze()
}

func (w worker) FileSize(id types.FileID) (int64, bool) {
	w.e.sizeMu.RLock()
	defer w.e.sizeMu.RUnlock()
	size, ok := w.e.sizes[id]
	return size, ok
}

func (e *Engine) track(id types.FileID, size int64) {
	e.sizeMu.Lock()
	e.sizes[id] = size
	e.sizeMu.Unlock()
}

func (e *Engine) untrack(ids ...types.FileID) {
	e.sizeMu.Lock()
	for _, id := range ids {
		delete(e.sizes, id)
	}
	e.sizeMu.Unlock()
}

func (e *Engine) lock() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (e *Engine) contextByRoot(root string) *catalog.Context {
	for _, ctx := range e.cat.Contexts() {
		if ctx.Root == root {
			return ctx
		}
	}
	return nil
}

func (e *Engine) info(ctx *catalog.Context) ContextInfo {
	return ContextInfo{
		ID:     ctx.ID,
		Name:   ctx.Name,
		Root:   ctx.Root,
		Folder: ctx.Folder,
		Files:  ctx.FileCount(),
	}
}

// OpenContext ingests root as a new context and re-runs analysis. Opening a
// root that is already open returns the existing context; a root overlapping
// an open one fails with ErrOverlappingContext. Files unchanged since the
// root was last saved start from their persisted digests.
func (e *Engine) OpenContext(root, name string) (ContextInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return ContextInfo{}, err
	}
	if name == "" {
		name = filepath.Base(root)
	}

	if err := e.lock(); err != nil {
		return ContextInfo{}, err
	}
	if ctx := e.contextByRoot(root); ctx != nil {
		defer e.mu.Unlock()
		return e.info(ctx), nil
	}
	if other := e.cat.Overlapping(root); other != nil {
		e.mu.Unlock()
		return ContextInfo{}, fmt.Errorf("%s overlaps %s: %w", root, other.Root, ErrOverlappingContext)
	}
	e.mu.Unlock()

	entries, err := ingest.Scan(root, e.log)
	if err != nil {
		return ContextInfo{}, fmt.Errorf("scan %s: %w", root, err)
	}
	seeds := e.loadSeeds(root)

	if err := e.lock(); err != nil {
		return ContextInfo{}, err
	}
	ctx, created, err := e.cat.NewContext(root, name)
	if err != nil {
		e.mu.Unlock()
		return ContextInfo{}, err
	}
	if !created {
		defer e.mu.Unlock()
		return e.info(ctx), nil
	}

	result, err := ingest.Populate(e.cat, ctx.ID, entries, seeds)
	if err != nil {
		e.cat.CloseContext(ctx.ID)
		e.mu.Unlock()
		return ContextInfo{}, err
	}
	for _, id := range e.cat.Files(ctx.ID) {
		e.track(id, e.cat.File(id).Size)
	}
	e.groups.Analyze()
	info := e.info(ctx)
	info.Seeded = result.Seeded
	e.mu.Unlock()

	e.log.Info("Context opened",
		zap.String("root", root),
		zap.String("name", info.Name),
		zap.Int("files", result.Files),
		zap.Int("seeded", result.Seeded),
		zap.Int64("bytes", result.Bytes))

	if e.watcher != nil {
		if err := e.watcher.AddRoot(root); err != nil {
			e.log.Warn("Failed to watch context", zap.String("root", root), zap.Error(err))
		}
	}
	return info, nil
}

func (e *Engine) loadSeeds(root string) map[string]ingest.Seed {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.LoadContext(root)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrVersionMismatch):
		e.log.Warn("Discarding saved context", zap.String("root", root), zap.Error(err))
		return nil
	case err != nil:
		e.log.Warn("Failed to load saved context", zap.String("root", root), zap.Error(err))
		return nil
	}

	seeds := make(map[string]ingest.Seed, len(snap.Files))
	for _, f := range snap.Files {
		seeds[f.RelPath] = ingest.Seed{
			Size:      f.Size,
			ModTime:   f.ModTime,
			Checksums: types.Checksums{Prefix: f.Prefix, Sample: f.Sample},
		}
	}
	return seeds
}

// CloseContext saves a context when a database is configured, drops it from
// the catalog and re-runs analysis for the remaining contexts.
func (e *Engine) CloseContext(id types.ContextID) error {
	if err := e.lock(); err != nil {
		return err
	}
	ctx := e.cat.Context(id)
	if ctx == nil {
		e.mu.Unlock()
		return fmt.Errorf("context %d: %w", id, ErrUnknownContext)
	}
	root := ctx.Root

	if e.store != nil {
		if err := e.store.SaveContext(e.snapshot(ctx)); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("save context %s: %w", root, err)
		}
	}
	removed, err := e.cat.CloseContext(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.untrack(removed...)
	e.groups.Analyze()
	e.mu.Unlock()

	if e.watcher != nil {
		if err := e.watcher.RemoveRoot(root); err != nil {
			e.log.Warn("Failed to unwatch context", zap.String("root", root), zap.Error(err))
		}
	}
	e.log.Info("Context closed", zap.String("root", root), zap.Int("files", len(removed)))
	return nil
}

// Contexts lists the open contexts.
func (e *Engine) Contexts() []ContextInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ContextInfo
	for _, ctx := range e.cat.Contexts() {
		out = append(out, e.info(ctx))
	}
	return out
}

func (e *Engine) snapshot(ctx *catalog.Context) storage.Snapshot {
	snap := storage.Snapshot{Root: ctx.Root, Name: ctx.Name}
	for _, id := range e.cat.Files(ctx.ID) {
		f := e.cat.File(id)
		snap.Files = append(snap.Files, storage.FileEntry{
			RelPath: e.cat.RelPath(id),
			Size:    f.Size,
			ModTime: f.ModTime,
			Prefix:  f.Checksums.Prefix,
			Sample:  f.Checksums.Sample,
		})
	}
	return snap
}

// SaveContext persists one context's files and digests.
func (e *Engine) SaveContext(id types.ContextID) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.store == nil {
		return ErrNoDatabase
	}
	ctx := e.cat.Context(id)
	if ctx == nil {
		return fmt.Errorf("context %d: %w", id, ErrUnknownContext)
	}
	if err := e.store.SaveContext(e.snapshot(ctx)); err != nil {
		return err
	}
	ctx.Dirty = false
	return nil
}

// Save persists every open context and the verification cache.
func (e *Engine) Save() error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.store == nil {
		return ErrNoDatabase
	}
	return e.saveLocked()
}

func (e *Engine) saveLocked() error {
	for _, ctx := range e.cat.Contexts() {
		if err := e.store.SaveContext(e.snapshot(ctx)); err != nil {
			return fmt.Errorf("save context %s: %w", ctx.Root, err)
		}
		ctx.Dirty = false
	}
	if err := e.store.SaveVerification(e.cache.Records()); err != nil {
		return fmt.Errorf("save verification cache: %w", err)
	}
	return nil
}

// Analyze re-runs grouping over every open context.
func (e *Engine) Analyze() (grouping.Stats, error) {
	if err := e.lock(); err != nil {
		return grouping.Stats{}, err
	}
	defer e.mu.Unlock()
	return e.groups.Analyze(), nil
}

// LastStats returns the statistics of the most recent analysis pass.
func (e *Engine) LastStats() grouping.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.LastStats()
}

// RemoveFile drops a file from the catalog and its group.
func (e *Engine) RemoveFile(id types.FileID) error {
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := e.groups.RemoveFile(id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return fmt.Errorf("file %d: %w", id, ErrUnknownFile)
		}
		return err
	}
	e.untrack(id)
	return nil
}

// FindFile resolves an absolute path to a catalogued file.
func (e *Engine) FindFile(path string) (types.FileID, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.cat.FindFile(path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, ErrUnknownFile)
	}
	return id, nil
}

// Path returns the absolute path of a file, or "" if it is unknown.
func (e *Engine) Path(id types.FileID) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cat.Path(id)
}

// SubmitEscalation queues a job that deepens the given files to depth and
// then re-runs analysis. It never blocks.
func (e *Engine) SubmitEscalation(files []types.FileID, depth types.DetailLevel) (*scheduler.Ticket, error) {
	ticket, err := e.sched.Submit(files, depth)
	if errors.Is(err, scheduler.ErrStopped) {
		return nil, ErrClosed
	}
	return ticket, err
}

// Wait blocks until the escalation queue is empty or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.sched.Wait(ctx)
}

func (e *Engine) Progress() scheduler.Progress {
	return e.sched.Progress()
}

// Subscribe registers fn to run after every escalation job's re-analysis.
func (e *Engine) Subscribe(fn func(scheduler.Event)) {
	e.sched.Subscribe(fn)
}

func (e *Engine) IsUnique(id types.FileID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.IsUnique(id)
}

func (e *Engine) Flags(id types.FileID) (types.DupFlags, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.cat.File(id)
	if f == nil {
		return types.Unique, fmt.Errorf("file %d: %w", id, ErrUnknownFile)
	}
	return f.Flags, nil
}

// Level returns how deeply a file has been fingerprinted.
func (e *Engine) Level(id types.FileID) types.DetailLevel {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.cat.File(id)
	if f == nil {
		return types.LevelNone
	}
	return f.Level()
}

// Checksums returns the digests computed so far for a file.
func (e *Engine) Checksums(id types.FileID) (types.Checksums, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f := e.cat.File(id)
	if f == nil {
		return types.Checksums{}, fmt.Errorf("file %d: %w", id, ErrUnknownFile)
	}
	sums := f.Checksums
	sums.SampleBytes = append([]byte(nil), f.Checksums.SampleBytes...)
	return sums, nil
}

func (e *Engine) LocalDuplicatesOf(id types.FileID) []types.FileID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.LocalDuplicatesOf(id)
}

func (e *Engine) GlobalDuplicatesOf(id types.FileID) []types.FileID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.groups.GlobalDuplicatesOf(id)
}

// GroupsForContext returns copies of the groups with a member in ctx.
func (e *Engine) GroupsForContext(ctx types.ContextID) []grouping.Group {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []grouping.Group
	for _, g := range e.groups.GroupsForContext(ctx) {
		c := *g
		c.Members = append([]types.FileID(nil), g.Members...)
		out = append(out, c)
	}
	return out
}

// Summary reports per-context totals. Waste counts every group touching the
// context in full.
func (e *Engine) Summary() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Summary
	for _, ctx := range e.cat.Contexts() {
		s := Summary{
			Context:        e.info(ctx),
			Bytes:          e.cat.TreeSize(ctx.Folder),
			Duplicates:     e.cat.TreeDuplicateCount(ctx.Folder),
			GlobalDups:     e.cat.TreeGlobalDuplicateCount(ctx.Folder),
			DuplicateBytes: e.cat.TreeDuplicateBytes(ctx.Folder),
		}
		for _, g := range e.groups.GroupsForContext(ctx.ID) {
			s.Groups++
			s.Waste += g.Waste()
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) TreeFileCount(folder types.FolderID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cat.TreeFileCount(folder)
}

func (e *Engine) TreeDuplicateCount(folder types.FolderID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cat.TreeDuplicateCount(folder)
}

func (e *Engine) TreeDuplicateBytes(folder types.FolderID) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cat.TreeDuplicateBytes(folder)
}

// Close drains the escalation queue, saves everything when a database is
// configured and releases the database lock.
func (e *Engine) Close() error {
	if err := e.lock(); err != nil {
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Stop()
	e.cancel()
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.wg.Wait()

	if e.store == nil {
		return nil
	}
	e.mu.Lock()
	err := e.saveLocked()
	e.mu.Unlock()
	if closeErr := e.store.Close(); err == nil {
		err = closeErr
	}
	return err
}
