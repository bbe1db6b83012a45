package grouping

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/metrics"
	"github.com/Fybrk/dupfinder/internal/verify"
	"github.com/Fybrk/dupfinder/pkg/types"
)

// relation is what is known about a pair of same-size files.
type relation uint8

const (
	ambiguous relation = iota
	confirmed
	different
)

type pair struct {
	lo, hi types.FileID
}

func pairOf(a, b types.FileID) pair {
	if a > b {
		a, b = b, a
	}
	return pair{lo: a, hi: b}
}

// relations records pairwise knowledge for one chain.
type relations map[pair]relation

func (r relations) get(a, b types.FileID) relation {
	return r[pairOf(a, b)]
}

func (r relations) set(a, b types.FileID, rel relation) {
	r[pairOf(a, b)] = rel
}

// resolveChain normalizes a chain and partitions it into groups.
func (e *Engine) resolveChain(chain []types.FileID) chainResult {
	rel := make(relations)
	for i := 0; i < len(chain); i++ {
		for j := i + 1; j < len(chain); j++ {
			e.normalizePair(chain[i], chain[j], rel)
		}
	}

	var live []types.FileID
	for _, id := range chain {
		if !e.failed[id] {
			live = append(live, id)
		}
	}

	groups, err := e.partition(live, rel)
	if err != nil {
		metrics.RecordInconsistentChain()
		e.stats.Inconsistent++
		e.log.Error("Chain left unresolved",
			zap.Error(err),
			zap.Int64("size", e.cat.File(chain[0]).Size),
			zap.Strings("files", e.describe(chain, rel)))
	}
	return chainResult{members: chain, groups: groups, err: err}
}

// normalizePair escalates the less deep of a and b one level at a time until
// they are proven different or both reach full depth, then confirms them.
func (e *Engine) normalizePair(a, b types.FileID, rel relations) {
	for {
		if e.failed[a] || e.failed[b] || rel.get(a, b) != ambiguous {
			return
		}
		if !e.compatible(a, b) {
			rel.set(a, b, different)
			return
		}

		switch e.cache.Verdict(e.state(a), e.state(b)) {
		case verify.Duplicate:
			e.stats.CacheHits++
			rel.set(a, b, confirmed)
			return
		case verify.Different:
			e.stats.CacheHits++
			rel.set(a, b, different)
			return
		}

		la, lb := e.cat.File(a).Level(), e.cat.File(b).Level()
		if la == types.LevelFull && lb == types.LevelFull {
			rel.set(a, b, e.confirm(a, b))
			return
		}

		target := a
		if lb < la {
			target = b
		}
		e.escalateOne(target)
	}
}

// escalateOne raises a file by one depth level. A failure excludes the file
// for the rest of this pass.
func (e *Engine) escalateOne(id types.FileID) {
	f := e.cat.File(id)
	next := f.Level().Next()
	sums, n, err := e.fp.Compute(e.cat.Path(id), f.Size, f.Checksums, next)
	e.stats.Escalations[next]++
	e.stats.BytesRead += n
	if err != nil {
		e.failed[id] = true
		return
	}
	e.cat.SetChecksums(id, sums)
}

// confirm settles a pair whose full digests match.
func (e *Engine) confirm(a, b types.FileID) relation {
	fa := e.cat.File(a)
	if !e.opts.VerifyContents || e.fp.IsLarge(fa.Size) {
		return confirmed
	}

	e.stats.Comparisons++
	same, err := e.fp.Identical(e.cat.Path(a), e.cat.Path(b))
	if err != nil {
		e.failed[a] = true
		e.failed[b] = true
		return ambiguous
	}
	if same {
		e.cache.RecordDuplicate(e.state(a), e.state(b))
		return confirmed
	}
	e.cache.RecordDifferent(e.state(a), e.state(b))
	return different
}

func (e *Engine) state(id types.FileID) verify.FileState {
	f := e.cat.File(id)
	return verify.FileState{
		Path:      e.cat.Path(id),
		Size:      f.Size,
		ModTime:   f.ModTime,
		Checksums: f.Checksums,
	}
}

// partition splits a normalized chain into groups of mutually confirmed
// files. Single members are dropped.
func (e *Engine) partition(members []types.FileID, rel relations) ([][]types.FileID, error) {
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if rel.get(members[i], members[j]) == ambiguous {
				return nil, fmt.Errorf("%w: files %d and %d unresolved after normalization",
					ErrInconsistentChain, members[i], members[j])
			}
		}
	}

	if allDuplicates(members, rel) {
		if len(members) < 2 {
			return nil, nil
		}
		return [][]types.FileID{append([]types.FileID(nil), members...)}, nil
	}

	m := append([]types.FileID(nil), members...)
	var groups [][]types.FileID
	for start := 0; start < len(m); {
		pivot := m[start]
		end := start + 1
		for k := start + 1; k < len(m); k++ {
			if rel.get(pivot, m[k]) == confirmed {
				m[end], m[k] = m[k], m[end]
				end++
			}
		}

		run := m[start:end]
		if !allDuplicates(run, rel) {
			return nil, fmt.Errorf("%w: group around file %d is not pairwise confirmed",
				ErrInconsistentChain, pivot)
		}
		if len(run) > 1 {
			groups = append(groups, append([]types.FileID(nil), run...))
		}
		start = end
	}
	return groups, nil
}

func allDuplicates(members []types.FileID, rel relations) bool {
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			if rel.get(members[i], members[j]) != confirmed {
				return false
			}
		}
	}
	return true
}

// describe renders chain members for diagnostics.
func (e *Engine) describe(chain []types.FileID, rel relations) []string {
	out := make([]string, 0, len(chain))
	for _, id := range chain {
		f := e.cat.File(id)
		out = append(out, fmt.Sprintf("%d %s level=%s prefix=%x sample=%x full=%x failed=%t",
			id, e.cat.Path(id), f.Level(), f.Checksums.Prefix, f.Checksums.Sample, f.Checksums.Full, e.failed[id]))
	}
	for i := 0; i < len(chain); i++ {
		for j := i + 1; j < len(chain); j++ {
			out = append(out, fmt.Sprintf("%d~%d %d", chain[i], chain[j], rel.get(chain[i], chain[j])))
		}
	}
	return out
}
