// Package catalog holds the in-memory tree of every open context.
package catalog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"

	"github.com/Fybrk/dupfinder/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists with different attributes")
	ErrOverlap  = errors.New("overlaps an open context")
)

// NoFolder is the parent of a context's root folder.
const NoFolder = ^types.FolderID(0)

// File is one catalogued file. ModTime is in Unix nanoseconds.
type File struct {
	ID        types.FileID
	Context   types.ContextID
	Folder    types.FolderID
	Name      string
	Size      int64
	ModTime   int64
	Checksums types.Checksums
	Flags     types.DupFlags
	Group     types.GroupID
}

// Level returns how deeply the file has been fingerprinted.
func (f *File) Level() types.DetailLevel {
	return f.Checksums.Level()
}

// Context is one ingested root directory.
type Context struct {
	ID     types.ContextID
	Name   string
	Root   string
	Folder types.FolderID
	Dirty  bool

	members *roaring.Bitmap
	bySize  []types.FileID
}

// FileCount returns the number of live files in the context.
func (c *Context) FileCount() int {
	return int(c.members.GetCardinality())
}

// Contains reports whether the file belongs to the context.
func (c *Context) Contains(id types.FileID) bool {
	return c.members.Contains(uint32(id))
}

// Catalog is an arena of contexts, folders and files. Ids are indices and
// are never reused; removed entries leave a nil tombstone. Catalog is not
// safe for concurrent use.
type Catalog struct {
	contexts    []*Context
	folders     []*Folder
	files       []*File
	nextContext types.ContextID
}

func New() *Catalog {
	return &Catalog{nextContext: 1}
}

// Within reports whether path is root or lies below it. Both must be clean.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Overlapping returns an open context whose root contains, or is contained
// by, root. An identical root does not count.
func (c *Catalog) Overlapping(root string) *Context {
	root = filepath.Clean(root)
	for _, ctx := range c.contexts {
		if ctx.Root != root && (Within(ctx.Root, root) || Within(root, ctx.Root)) {
			return ctx
		}
	}
	return nil
}

// NewContext opens a context for root. If root is already open the existing
// context is returned with created set to false. A root nested inside an open
// root, or containing one, returns ErrOverlap.
func (c *Catalog) NewContext(root, name string) (ctx *Context, created bool, err error) {
	root = filepath.Clean(root)
	for _, existing := range c.contexts {
		if existing.Root == root {
			return existing, false, nil
		}
	}
	if other := c.Overlapping(root); other != nil {
		return nil, false, fmt.Errorf("%s and %s: %w", root, other.Root, ErrOverlap)
	}

	if name == "" {
		name = filepath.Base(root)
	}

	ctx = &Context{
		ID:      c.nextContext,
		Name:    c.uniqueName(name),
		Root:    root,
		members: roaring.New(),
	}
	c.nextContext++
	ctx.Folder = c.newFolder(ctx.ID, NoFolder, "")
	c.contexts = append(c.contexts, ctx)
	return ctx, true, nil
}

// uniqueName appends [N] until no open context uses the name.
func (c *Catalog) uniqueName(name string) string {
	taken := make(map[string]bool, len(c.contexts))
	for _, ctx := range c.contexts {
		taken[ctx.Name] = true
	}
	candidate := name
	for n := 1; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s[%d]", name, n)
	}
	return candidate
}

// CloseContext drops a context and returns the ids of the files it owned.
func (c *Catalog) CloseContext(id types.ContextID) ([]types.FileID, error) {
	idx := c.contextIndex(id)
	if idx < 0 {
		return nil, fmt.Errorf("context %d: %w", id, ErrNotFound)
	}
	ctx := c.contexts[idx]

	removed := make([]types.FileID, 0, ctx.FileCount())
	it := ctx.members.Iterator()
	for it.HasNext() {
		fid := types.FileID(it.Next())
		c.files[fid] = nil
		removed = append(removed, fid)
	}
	for i, folder := range c.folders {
		if folder != nil && folder.Context == id {
			c.folders[i] = nil
		}
	}

	c.contexts = append(c.contexts[:idx], c.contexts[idx+1:]...)
	return removed, nil
}

func (c *Catalog) contextIndex(id types.ContextID) int {
	for i, ctx := range c.contexts {
		if ctx.ID == id {
			return i
		}
	}
	return -1
}

// Context returns the open context with id, or nil.
func (c *Catalog) Context(id types.ContextID) *Context {
	if idx := c.contextIndex(id); idx >= 0 {
		return c.contexts[idx]
	}
	return nil
}

// Contexts returns the open contexts in id order.
func (c *Catalog) Contexts() []*Context {
	return append([]*Context(nil), c.contexts...)
}

// AddFolder returns the child folder called name, creating it if needed.
func (c *Catalog) AddFolder(parent types.FolderID, name string) (types.FolderID, error) {
	p := c.Folder(parent)
	if p == nil {
		return 0, fmt.Errorf("folder %d: %w", parent, ErrNotFound)
	}
	if id, ok := p.folders[name]; ok {
		return id, nil
	}

	id := c.newFolder(p.Context, parent, name)
	p.folders[name] = id
	c.invalidate(parent)
	return id, nil
}

// AddFile adds a file to folder. Adding a name that already exists with the
// same size and timestamp returns the existing id; any other collision
// returns ErrExists.
func (c *Catalog) AddFile(folder types.FolderID, name string, size, modTime int64) (types.FileID, error) {
	dir := c.Folder(folder)
	if dir == nil {
		return 0, fmt.Errorf("folder %d: %w", folder, ErrNotFound)
	}
	if id, ok := dir.files[name]; ok {
		existing := c.files[id]
		if existing.Size == size && existing.ModTime == modTime {
			return id, nil
		}
		return id, fmt.Errorf("file %s: %w", name, ErrExists)
	}

	ctx := c.Context(dir.Context)
	id := types.FileID(len(c.files))
	c.files = append(c.files, &File{
		ID:      id,
		Context: dir.Context,
		Folder:  folder,
		Name:    name,
		Size:    size,
		ModTime: modTime,
		Group:   types.NoGroup,
	})
	dir.files[name] = id
	ctx.members.Add(uint32(id))
	ctx.bySize = c.insertBySize(ctx.bySize, id)
	ctx.Dirty = true
	c.invalidate(folder)
	return id, nil
}

func (c *Catalog) insertBySize(list []types.FileID, id types.FileID) []types.FileID {
	pos := sort.Search(len(list), func(i int) bool { return c.less(id, list[i]) })
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = id
	return list
}

// less orders files by size, then id.
func (c *Catalog) less(a, b types.FileID) bool {
	fa, fb := c.files[a], c.files[b]
	if fa.Size != fb.Size {
		return fa.Size < fb.Size
	}
	return a < b
}

// RemoveFile deletes a file from its context and folder.
func (c *Catalog) RemoveFile(id types.FileID) error {
	f := c.File(id)
	if f == nil {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	ctx := c.Context(f.Context)
	dir := c.folders[f.Folder]

	pos := sort.Search(len(ctx.bySize), func(i int) bool { return !c.less(ctx.bySize[i], id) })
	if pos < len(ctx.bySize) && ctx.bySize[pos] == id {
		ctx.bySize = append(ctx.bySize[:pos], ctx.bySize[pos+1:]...)
	}
	ctx.members.Remove(uint32(id))
	ctx.Dirty = true
	delete(dir.files, f.Name)
	c.invalidate(f.Folder)
	c.files[id] = nil
	return nil
}

// File returns the live file with id, or nil.
func (c *Catalog) File(id types.FileID) *File {
	if int(id) >= len(c.files) {
		return nil
	}
	return c.files[id]
}

// Files returns a context's files ordered by size.
func (c *Catalog) Files(ctx types.ContextID) []types.FileID {
	if x := c.Context(ctx); x != nil {
		return append([]types.FileID(nil), x.bySize...)
	}
	return nil
}

// AllFiles returns every live file across all contexts in id order.
func (c *Catalog) AllFiles() []types.FileID {
	out := make([]types.FileID, 0, len(c.files))
	for id, f := range c.files {
		if f != nil {
			out = append(out, types.FileID(id))
		}
	}
	return out
}

// SetChecksums stores new fingerprint state for a file.
func (c *Catalog) SetChecksums(id types.FileID, sums types.Checksums) {
	f := c.File(id)
	if f == nil {
		return
	}
	f.Checksums = sums
	if ctx := c.Context(f.Context); ctx != nil {
		ctx.Dirty = true
	}
}

// SetFlags updates a file's classification and invalidates aggregates above
// it when the flags change.
func (c *Catalog) SetFlags(id types.FileID, flags types.DupFlags) {
	f := c.File(id)
	if f == nil || f.Flags == flags {
		return
	}
	f.Flags = flags
	c.invalidate(f.Folder)
}

// Path returns the absolute path of a file.
func (c *Catalog) Path(id types.FileID) string {
	f := c.File(id)
	if f == nil {
		return ""
	}
	ctx := c.Context(f.Context)
	if ctx == nil {
		return ""
	}
	return filepath.Join(ctx.Root, c.RelPath(id))
}

// RelPath returns a file's path relative to its context root, slash separated.
func (c *Catalog) RelPath(id types.FileID) string {
	f := c.File(id)
	if f == nil {
		return ""
	}
	parts := []string{f.Name}
	for fid := f.Folder; fid != NoFolder; {
		folder := c.folders[fid]
		if folder == nil || folder.Parent == NoFolder {
			break
		}
		parts = append(parts, folder.Name)
		fid = folder.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// FindFile resolves an absolute path to a file in whichever open context
// contains it.
func (c *Catalog) FindFile(path string) (types.FileID, error) {
	path = filepath.Clean(path)

	var best *Context
	for _, ctx := range c.contexts {
		if Within(ctx.Root, path) {
			if best == nil || len(ctx.Root) > len(best.Root) {
				best = ctx
			}
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
	}

	rel, _ := filepath.Rel(best.Root, path)
	parts := strings.Split(filepath.ToSlash(rel), "/")
	folder := c.folders[best.Folder]
	for _, part := range parts[:len(parts)-1] {
		id, ok := folder.folders[part]
		if !ok {
			return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		folder = c.folders[id]
	}
	id, ok := folder.files[parts[len(parts)-1]]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return id, nil
}

// FolderFor returns the folder for a slash-separated relative directory,
// creating missing folders along the way.
func (c *Catalog) FolderFor(ctx types.ContextID, relDir string) (types.FolderID, error) {
	x := c.Context(ctx)
	if x == nil {
		return 0, fmt.Errorf("context %d: %w", ctx, ErrNotFound)
	}
	id := x.Folder
	relDir = strings.Trim(filepath.ToSlash(relDir), "/")
	if relDir == "" || relDir == "." {
		return id, nil
	}
	for _, part := range strings.Split(relDir, "/") {
		next, err := c.AddFolder(id, part)
		if err != nil {
			return 0, err
		}
		id = next
	}
	return id, nil
}
