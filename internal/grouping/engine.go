// Package grouping partitions same-size files into duplicate groups,
// escalating fingerprints only where two files are still ambiguous.
package grouping

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/catalog"
	"github.com/Fybrk/dupfinder/internal/fingerprint"
	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/internal/metrics"
	"github.com/Fybrk/dupfinder/internal/verify"
	"github.com/Fybrk/dupfinder/pkg/types"
)

var ErrInconsistentChain = errors.New("inconsistent chain")

// DefaultIgnoreNames are platform metadata files never treated as duplicates.
var DefaultIgnoreNames = []string{".DS_Store", "Thumbs.db", "desktop.ini"}

// Options configures the engine.
type Options struct {
	// VerifyContents byte-compares files whose full digests match before
	// confirming them. Without it matching full digests are trusted.
	VerifyContents bool
	IgnoreNames    []string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		VerifyContents: true,
		IgnoreNames:    DefaultIgnoreNames,
	}
}

// Stats describes one analysis pass.
type Stats struct {
	Files        int
	Ignored      int
	Chains       int
	Screened     int
	Groups       int
	Duplicates   int
	Waste        int64
	Escalations  [types.LevelFull + 1]int
	Comparisons  int
	CacheHits    int
	BytesRead    int64
	Failed       int
	Inconsistent int
	Duration     time.Duration
}

// Engine owns the group index and keeps catalog flags in line with it.
// It is not safe for concurrent use.
type Engine struct {
	cat   *catalog.Catalog
	fp    *fingerprint.Fingerprinter
	cache *verify.Cache
	opts  Options
	log   *zap.Logger

	ignore map[string]bool
	index  *Index
	failed map[types.FileID]bool
	stats  Stats
}

func New(cat *catalog.Catalog, fp *fingerprint.Fingerprinter, cache *verify.Cache, opts Options, log *zap.Logger) *Engine {
	ignore := make(map[string]bool, len(opts.IgnoreNames))
	for _, name := range opts.IgnoreNames {
		ignore[name] = true
	}
	return &Engine{
		cat:    cat,
		fp:     fp,
		cache:  cache,
		opts:   opts,
		log:    logging.OrNop(log).Named("grouping"),
		ignore: ignore,
		index:  NewIndex(),
		failed: make(map[types.FileID]bool),
	}
}

// Index returns the current group index.
func (e *Engine) Index() *Index {
	return e.index
}

// LastStats returns the statistics of the most recent pass.
func (e *Engine) LastStats() Stats {
	return e.stats
}

// ignored reports whether a file is excluded from grouping entirely.
func (e *Engine) ignored(f *catalog.File) bool {
	return f.Size == 0 || e.ignore[f.Name]
}

// chainResult is the outcome of partitioning one same-size chain.
type chainResult struct {
	members []types.FileID
	groups  [][]types.FileID
	err     error
}

// Analyze rebuilds every group from the current catalog.
func (e *Engine) Analyze() Stats {
	start := time.Now()
	e.stats = Stats{}
	e.failed = make(map[types.FileID]bool)

	var eligible []*catalog.File
	for _, id := range e.cat.AllFiles() {
		f := e.cat.File(id)
		e.stats.Files++
		if e.ignored(f) {
			e.stats.Ignored++
			continue
		}
		eligible = append(eligible, f)
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Size != b.Size {
			return a.Size < b.Size
		}
		if a.Context != b.Context {
			return a.Context < b.Context
		}
		return a.ID < b.ID
	})

	var results []chainResult
	for i := 0; i < len(eligible); {
		j := i + 1
		for j < len(eligible) && eligible[j].Size == eligible[i].Size {
			j++
		}
		if j-i > 1 {
			chain := make([]types.FileID, 0, j-i)
			for _, f := range eligible[i:j] {
				chain = append(chain, f.ID)
			}
			e.stats.Chains++
			if e.hasPotentialDuplicates(chain) {
				e.stats.Screened++
				results = append(results, e.resolveChain(chain))
			}
		}
		i = j
	}

	e.apply(results)

	e.stats.Failed = len(e.failed)
	e.stats.Groups = e.index.Len()
	for _, g := range e.index.Groups() {
		e.stats.Duplicates += len(g.Members)
		e.stats.Waste += g.Waste()
	}
	e.stats.Duration = time.Since(start)
	metrics.RecordAnalysis(e.stats.Duration, e.stats.Groups)

	e.log.Info("Analysis complete",
		zap.Int("files", e.stats.Files),
		zap.Int("chains", e.stats.Chains),
		zap.Int("groups", e.stats.Groups),
		zap.Int("prefix_digests", e.stats.Escalations[types.LevelPrefix]),
		zap.Int("sample_digests", e.stats.Escalations[types.LevelSample]),
		zap.Int("full_digests", e.stats.Escalations[types.LevelFull]),
		zap.Int("comparisons", e.stats.Comparisons),
		zap.Int("cache_hits", e.stats.CacheHits),
		zap.Int("failed", e.stats.Failed),
		zap.Duration("duration", e.stats.Duration))
	return e.stats
}

// hasPotentialDuplicates reports whether any two members are still
// compatible at their current depth. It never reads file contents.
func (e *Engine) hasPotentialDuplicates(chain []types.FileID) bool {
	for i := 0; i < len(chain); i++ {
		for j := i + 1; j < len(chain); j++ {
			if e.compatible(chain[i], chain[j]) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) compatible(a, b types.FileID) bool {
	fa, fb := e.cat.File(a), e.cat.File(b)
	return fa.Size == fb.Size && fa.Checksums.CompatibleWith(fb.Checksums)
}

// apply installs new groups and flags. Chains that failed keep the groups
// and flags they had before this pass.
func (e *Engine) apply(results []chainResult) {
	previous := e.index
	e.index = NewIndex()

	flags := make(map[types.FileID]types.DupFlags)
	groups := make(map[types.FileID]types.GroupID)
	kept := make(map[types.FileID]bool)

	for _, r := range results {
		if r.err != nil {
			e.keepPrevious(previous, r.members, kept)
			continue
		}
		for _, members := range r.groups {
			gid := e.index.Add(e.cat.File(members[0]).Size, members)
			for id, f := range e.classify(members) {
				flags[id] = f
				groups[id] = gid
			}
		}
	}

	for _, id := range e.cat.AllFiles() {
		if kept[id] {
			continue
		}
		f := e.cat.File(id)
		if gid, ok := groups[id]; ok {
			f.Group = gid
		} else {
			f.Group = types.NoGroup
		}
		e.cat.SetFlags(id, flags[id])
	}
}

// keepPrevious carries a chain's earlier groups into the new index.
func (e *Engine) keepPrevious(previous *Index, members []types.FileID, kept map[types.FileID]bool) {
	carried := make(map[types.GroupID]types.GroupID)
	for _, id := range members {
		kept[id] = true
		f := e.cat.File(id)
		old := previous.Get(f.Group)
		if old == nil {
			f.Group = types.NoGroup
			e.cat.SetFlags(id, types.Unique)
			continue
		}
		if gid, ok := carried[old.ID]; ok {
			f.Group = gid
			continue
		}
		var live []types.FileID
		for _, m := range old.Members {
			if e.cat.File(m) != nil {
				live = append(live, m)
			}
		}
		if len(live) < 2 {
			f.Group = types.NoGroup
			e.cat.SetFlags(id, types.Unique)
			continue
		}
		gid := e.index.Add(old.Size, live)
		carried[old.ID] = gid
		f.Group = gid
	}
}

// classify derives flags for every member of a group from pairwise
// context comparison.
func (e *Engine) classify(members []types.FileID) map[types.FileID]types.DupFlags {
	out := make(map[types.FileID]types.DupFlags, len(members))
	for _, id := range members {
		ctx := e.cat.File(id).Context
		var flags types.DupFlags
		for _, other := range members {
			if other == id {
				continue
			}
			if e.cat.File(other).Context == ctx {
				flags |= types.LocalDup
			} else {
				flags |= types.GlobalDup
			}
			if flags == types.Both {
				break
			}
		}
		out[id] = flags
	}
	return out
}

// Escalate brings a file to at least depth and returns the bytes read.
func (e *Engine) Escalate(id types.FileID, depth types.DetailLevel) (int64, error) {
	f := e.cat.File(id)
	if f == nil {
		return 0, fmt.Errorf("file %d: %w", id, catalog.ErrNotFound)
	}
	if e.ignored(f) {
		return 0, nil
	}
	sums, n, err := e.fp.Compute(e.cat.Path(id), f.Size, f.Checksums, depth)
	if err != nil {
		return n, err
	}
	e.cat.SetChecksums(id, sums)
	return n, nil
}

// RemoveFile deletes a file from the catalog and from its group. A group
// left with fewer than two members is deleted and its survivor reverts to
// unique; otherwise the survivors are reclassified.
func (e *Engine) RemoveFile(id types.FileID) error {
	f := e.cat.File(id)
	if f == nil {
		return fmt.Errorf("file %d: %w", id, catalog.ErrNotFound)
	}
	gid := f.Group
	if err := e.cat.RemoveFile(id); err != nil {
		return err
	}
	if gid == types.NoGroup {
		return nil
	}

	remaining := e.index.RemoveMember(gid, id)
	if len(remaining) < 2 {
		e.index.Remove(gid)
		for _, m := range remaining {
			e.cat.File(m).Group = types.NoGroup
			e.cat.SetFlags(m, types.Unique)
		}
		return nil
	}
	for m, flags := range e.classify(remaining) {
		e.cat.SetFlags(m, flags)
	}
	return nil
}

// Group returns the group holding a file, or nil.
func (e *Engine) Group(id types.FileID) *Group {
	f := e.cat.File(id)
	if f == nil {
		return nil
	}
	return e.index.Get(f.Group)
}

// IsUnique reports whether a file has no known duplicate.
func (e *Engine) IsUnique(id types.FileID) bool {
	f := e.cat.File(id)
	return f == nil || f.Flags.IsUnique()
}

// LocalDuplicatesOf returns group peers in the same context.
func (e *Engine) LocalDuplicatesOf(id types.FileID) []types.FileID {
	return e.peers(id, true)
}

// GlobalDuplicatesOf returns group peers in other contexts.
func (e *Engine) GlobalDuplicatesOf(id types.FileID) []types.FileID {
	return e.peers(id, false)
}

func (e *Engine) peers(id types.FileID, local bool) []types.FileID {
	g := e.Group(id)
	if g == nil {
		return nil
	}
	ctx := e.cat.File(id).Context
	var out []types.FileID
	for _, m := range g.Members {
		if m == id {
			continue
		}
		if (e.cat.File(m).Context == ctx) == local {
			out = append(out, m)
		}
	}
	return out
}

// GroupsForContext returns the groups with at least one member in ctx.
func (e *Engine) GroupsForContext(ctx types.ContextID) []*Group {
	var out []*Group
	for _, g := range e.index.Groups() {
		for _, m := range g.Members {
			if f := e.cat.File(m); f != nil && f.Context == ctx {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
