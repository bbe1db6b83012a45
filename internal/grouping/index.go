package grouping

import (
	"slices"
	"sort"

	"github.com/Fybrk/dupfinder/pkg/types"
)

// Group is a set of same-size files not yet proven different.
type Group struct {
	ID      types.GroupID
	Size    int64
	Members []types.FileID
}

// Waste is the space that would be reclaimed by keeping a single copy.
func (g *Group) Waste() int64 {
	if len(g.Members) < 2 {
		return 0
	}
	return g.Size * int64(len(g.Members)-1)
}

// Index holds every group, addressable by id and searchable by size.
type Index struct {
	groups []*Group
	bySize []types.GroupID
}

func NewIndex() *Index {
	return &Index{}
}

// Add stores a new group and returns its id.
func (ix *Index) Add(size int64, members []types.FileID) types.GroupID {
	id := types.GroupID(len(ix.groups))
	ix.groups = append(ix.groups, &Group{
		ID:      id,
		Size:    size,
		Members: slices.Clone(members),
	})

	pos := sort.Search(len(ix.bySize), func(i int) bool {
		return ix.groups[ix.bySize[i]].Size > size
	})
	ix.bySize = slices.Insert(ix.bySize, pos, id)
	return id
}

// Get returns the live group with id, or nil.
func (ix *Index) Get(id types.GroupID) *Group {
	if id < 0 || int(id) >= len(ix.groups) {
		return nil
	}
	return ix.groups[id]
}

// Remove deletes a group.
func (ix *Index) Remove(id types.GroupID) {
	g := ix.Get(id)
	if g == nil {
		return
	}
	lo := ix.lowerBound(g.Size)
	for i := lo; i < len(ix.bySize) && ix.groups[ix.bySize[i]].Size == g.Size; i++ {
		if ix.bySize[i] == id {
			ix.bySize = slices.Delete(ix.bySize, i, i+1)
			break
		}
	}
	ix.groups[id] = nil
}

// RemoveMember drops a file from a group and returns the members left.
func (ix *Index) RemoveMember(id types.GroupID, file types.FileID) []types.FileID {
	g := ix.Get(id)
	if g == nil {
		return nil
	}
	g.Members = slices.DeleteFunc(g.Members, func(m types.FileID) bool { return m == file })
	return slices.Clone(g.Members)
}

func (ix *Index) lowerBound(size int64) int {
	return sort.Search(len(ix.bySize), func(i int) bool {
		return ix.groups[ix.bySize[i]].Size >= size
	})
}

// BySize returns the groups whose members are size bytes long.
func (ix *Index) BySize(size int64) []*Group {
	var out []*Group
	for i := ix.lowerBound(size); i < len(ix.bySize); i++ {
		g := ix.groups[ix.bySize[i]]
		if g.Size != size {
			break
		}
		out = append(out, g)
	}
	return out
}

// Groups returns every live group ordered by size.
func (ix *Index) Groups() []*Group {
	out := make([]*Group, len(ix.bySize))
	for i, id := range ix.bySize {
		out[i] = ix.groups[id]
	}
	return out
}

// Len returns the number of live groups.
func (ix *Index) Len() int {
	return len(ix.bySize)
}
