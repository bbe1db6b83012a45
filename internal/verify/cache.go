// Package verify remembers the outcome of byte-for-byte file comparisons.
package verify

import (
	"slices"
	"sort"
	"sync"

	"github.com/Fybrk/dupfinder/internal/metrics"
	"github.com/Fybrk/dupfinder/pkg/types"
)

// Verdict is the cached outcome for a pair of files.
type Verdict int

const (
	Unknown Verdict = iota
	Duplicate
	Different
)

func (v Verdict) String() string {
	switch v {
	case Duplicate:
		return "duplicate"
	case Different:
		return "different"
	default:
		return "unknown"
	}
}

// Peer is a file a record was compared against, as it was at the time.
type Peer struct {
	Path    string
	ModTime int64
}

// Record is the cached verification state of one absolute path.
// ModTime is in Unix nanoseconds.
type Record struct {
	Path       string
	Size       int64
	ModTime    int64
	Prefix     types.Digest
	Sample     types.Digest
	Duplicates []Peer
	Different  []Peer
}

// FileState is the live view of a file used to check record freshness.
type FileState struct {
	Path      string
	Size      int64
	ModTime   int64
	Checksums types.Checksums
}

// matches reports whether r still describes the live file.
func (r *Record) matches(f FileState) bool {
	return r.Size == f.Size &&
		r.ModTime == f.ModTime &&
		r.Prefix.CompatibleWith(f.Checksums.Prefix) &&
		r.Sample.CompatibleWith(f.Checksums.Sample)
}

func (r *Record) reset(f FileState) {
	r.Size = f.Size
	r.ModTime = f.ModTime
	r.Prefix = f.Checksums.Prefix
	r.Sample = f.Checksums.Sample
	r.Duplicates = nil
	r.Different = nil
}

func (r *Record) clone() Record {
	c := *r
	c.Duplicates = slices.Clone(r.Duplicates)
	c.Different = slices.Clone(r.Different)
	return c
}

// Cache is a path-keyed store of verification records. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func New() *Cache {
	return &Cache{records: make(map[string]*Record)}
}

// Lookup returns a copy of the record for path.
func (c *Cache) Lookup(path string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.records[path]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// RecordDuplicate stores that a and b were found byte-identical.
func (c *Cache) RecordDuplicate(a, b FileState) {
	c.record(a, b, true)
}

// RecordDifferent stores that a and b were found to differ.
func (c *Cache) RecordDifferent(a, b FileState) {
	c.record(a, b, false)
}

func (c *Cache) record(a, b FileState, duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ra := c.ensure(a)
	rb := c.ensure(b)
	link(ra, Peer{Path: b.Path, ModTime: b.ModTime}, duplicate)
	link(rb, Peer{Path: a.Path, ModTime: a.ModTime}, duplicate)
}

// ensure returns a record that matches f, resetting a stale one.
func (c *Cache) ensure(f FileState) *Record {
	r, ok := c.records[f.Path]
	if !ok {
		r = &Record{Path: f.Path}
		r.reset(f)
		c.records[f.Path] = r
		return r
	}
	if !r.matches(f) {
		r.reset(f)
		return r
	}
	if !r.Prefix.Defined() {
		r.Prefix = f.Checksums.Prefix
	}
	if !r.Sample.Defined() {
		r.Sample = f.Checksums.Sample
	}
	return r
}

// link adds peer to the set for the verdict and drops it from the other.
func link(r *Record, peer Peer, duplicate bool) {
	drop := func(peers []Peer) []Peer {
		return slices.DeleteFunc(peers, func(p Peer) bool { return p.Path == peer.Path })
	}
	r.Duplicates = drop(r.Duplicates)
	r.Different = drop(r.Different)
	if duplicate {
		r.Duplicates = append(r.Duplicates, peer)
	} else {
		r.Different = append(r.Different, peer)
	}
}

// Verdict returns the cached outcome for a and b. A record whose size,
// timestamp or digests have drifted from the live file answers Unknown.
func (c *Cache) Verdict(a, b FileState) Verdict {
	c.mu.RLock()
	v := c.verdict(a, b)
	if v == Unknown {
		v = c.verdict(b, a)
	}
	c.mu.RUnlock()

	metrics.RecordCacheLookup(v.String())
	return v
}

func (c *Cache) verdict(a, b FileState) Verdict {
	r, ok := c.records[a.Path]
	if !ok || !r.matches(a) {
		return Unknown
	}
	if rb, ok := c.records[b.Path]; ok && !rb.matches(b) {
		return Unknown
	}
	peer := Peer{Path: b.Path, ModTime: b.ModTime}
	if slices.Contains(r.Duplicates, peer) {
		return Duplicate
	}
	if slices.Contains(r.Different, peer) {
		return Different
	}
	return Unknown
}

// IsConfirmedDuplicate is true only for a fresh cached duplicate verdict.
func (c *Cache) IsConfirmedDuplicate(a, b FileState) bool {
	return c.Verdict(a, b) == Duplicate
}

// IsConfirmedDifferent is true only for a fresh cached different verdict.
func (c *Cache) IsConfirmedDifferent(a, b FileState) bool {
	return c.Verdict(a, b) == Different
}

// Records returns copies of every record ordered by path.
func (c *Cache) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Restore replaces the cache contents with records.
func (c *Cache) Restore(records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]*Record, len(records))
	for i := range records {
		r := records[i].clone()
		c.records[r.Path] = &r
	}
}
