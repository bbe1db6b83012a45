package catalog

import (
	"sort"

	"github.com/Fybrk/dupfinder/pkg/types"
)

// Folder is one directory node. Aggregates cover the whole subtree and are
// recomputed on read when dirty.
type Folder struct {
	ID      types.FolderID
	Parent  types.FolderID
	Context types.ContextID
	Name    string

	folders map[string]types.FolderID
	files   map[string]types.FileID

	dirty bool
	agg   aggregates
}

type aggregates struct {
	files      int
	size       int64
	duplicates int
	dupBytes   int64
	global     int
}

func (c *Catalog) newFolder(ctx types.ContextID, parent types.FolderID, name string) types.FolderID {
	id := types.FolderID(len(c.folders))
	c.folders = append(c.folders, &Folder{
		ID:      id,
		Parent:  parent,
		Context: ctx,
		Name:    name,
		folders: make(map[string]types.FolderID),
		files:   make(map[string]types.FileID),
		dirty:   true,
	})
	return id
}

// Folder returns the live folder with id, or nil.
func (c *Catalog) Folder(id types.FolderID) *Folder {
	if int(id) >= len(c.folders) {
		return nil
	}
	return c.folders[id]
}

// Subfolders returns a folder's children ordered by name.
func (c *Catalog) Subfolders(id types.FolderID) []types.FolderID {
	f := c.Folder(id)
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.folders))
	for name := range f.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.FolderID, len(names))
	for i, name := range names {
		out[i] = f.folders[name]
	}
	return out
}

// FolderFiles returns the files directly inside a folder ordered by name.
func (c *Catalog) FolderFiles(id types.FolderID) []types.FileID {
	f := c.Folder(id)
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.FileID, len(names))
	for i, name := range names {
		out[i] = f.files[name]
	}
	return out
}

// invalidate marks a folder and all of its ancestors dirty.
func (c *Catalog) invalidate(id types.FolderID) {
	for id != NoFolder {
		f := c.Folder(id)
		if f == nil {
			return
		}
		f.dirty = true
		id = f.Parent
	}
}

// InvalidateAggregates marks every folder of a context dirty.
func (c *Catalog) InvalidateAggregates(ctx types.ContextID) {
	for _, f := range c.folders {
		if f != nil && f.Context == ctx {
			f.dirty = true
		}
	}
}

func (c *Catalog) aggregate(id types.FolderID) aggregates {
	f := c.Folder(id)
	if f == nil {
		return aggregates{}
	}
	if !f.dirty {
		return f.agg
	}

	var agg aggregates
	for _, fid := range f.files {
		file := c.files[fid]
		agg.files++
		agg.size += file.Size
		if !file.Flags.IsUnique() {
			agg.duplicates++
			agg.dupBytes += file.Size
		}
		if file.Flags.HasGlobal() {
			agg.global++
		}
	}
	for _, child := range f.folders {
		sub := c.aggregate(child)
		agg.files += sub.files
		agg.size += sub.size
		agg.duplicates += sub.duplicates
		agg.dupBytes += sub.dupBytes
		agg.global += sub.global
	}

	f.agg = agg
	f.dirty = false
	return agg
}

// TreeFileCount returns the number of files under a folder.
func (c *Catalog) TreeFileCount(id types.FolderID) int {
	return c.aggregate(id).files
}

// TreeSize returns the total bytes under a folder.
func (c *Catalog) TreeSize(id types.FolderID) int64 {
	return c.aggregate(id).size
}

// TreeDuplicateCount returns the number of duplicated files under a folder.
func (c *Catalog) TreeDuplicateCount(id types.FolderID) int {
	return c.aggregate(id).duplicates
}

// TreeDuplicateBytes returns the bytes held by duplicated files under a folder.
func (c *Catalog) TreeDuplicateBytes(id types.FolderID) int64 {
	return c.aggregate(id).dupBytes
}

// TreeGlobalDuplicateCount returns the number of files under a folder that
// are duplicated in another context.
func (c *Catalog) TreeGlobalDuplicateCount(id types.FolderID) int {
	return c.aggregate(id).global
}
