package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fybrk/dupfinder/pkg/types"
)

func state(path string, size, mtime int64) FileState {
	return FileState{
		Path:      path,
		Size:      size,
		ModTime:   mtime,
		Checksums: types.Checksums{Prefix: 11, Sample: 22},
	}
}

func TestRecordDuplicate(t *testing.T) {
	cache := New()
	a := state("/r1/a.txt", 1500, 100)
	b := state("/r2/a.txt", 1500, 200)

	assert.Equal(t, Unknown, cache.Verdict(a, b))

	cache.RecordDuplicate(a, b)

	t.Run("both directions confirmed", func(t *testing.T) {
		assert.True(t, cache.IsConfirmedDuplicate(a, b))
		assert.True(t, cache.IsConfirmedDuplicate(b, a))
		assert.False(t, cache.IsConfirmedDifferent(a, b))
	})

	t.Run("records created lazily", func(t *testing.T) {
		rec, ok := cache.Lookup(a.Path)
		require.True(t, ok)
		assert.Equal(t, int64(1500), rec.Size)
		assert.Equal(t, int64(100), rec.ModTime)
		assert.Equal(t, types.Digest(11), rec.Prefix)
		assert.Equal(t, []Peer{{Path: b.Path, ModTime: 200}}, rec.Duplicates)
		assert.Empty(t, rec.Different)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("timestamp drift is unknown not different", func(t *testing.T) {
		touched := a
		touched.ModTime = 101
		assert.Equal(t, Unknown, cache.Verdict(touched, b))

		peerTouched := b
		peerTouched.ModTime = 201
		assert.Equal(t, Unknown, cache.Verdict(a, peerTouched))
	})

	t.Run("size drift is unknown", func(t *testing.T) {
		grown := a
		grown.Size = 1600
		assert.Equal(t, Unknown, cache.Verdict(grown, b))
	})

	t.Run("incompatible digests are stale", func(t *testing.T) {
		rehashed := a
		rehashed.Checksums.Prefix = 99
		assert.Equal(t, Unknown, cache.Verdict(rehashed, b))
	})

	t.Run("stale verdict kept until rerecorded", func(t *testing.T) {
		_, ok := cache.Lookup(a.Path)
		assert.True(t, ok)
		assert.True(t, cache.IsConfirmedDuplicate(a, b))
	})
}

func TestRecordDifferentReplacesDuplicate(t *testing.T) {
	cache := New()
	a := state("/x.bin", 10, 1)
	b := state("/y.bin", 10, 2)

	cache.RecordDuplicate(a, b)
	cache.RecordDifferent(a, b)

	assert.True(t, cache.IsConfirmedDifferent(a, b))
	assert.False(t, cache.IsConfirmedDuplicate(a, b))

	rec, ok := cache.Lookup(b.Path)
	require.True(t, ok)
	assert.Empty(t, rec.Duplicates)
	assert.Len(t, rec.Different, 1)
}

func TestStaleRecordResetOnRecord(t *testing.T) {
	cache := New()
	a := state("/a", 10, 1)
	b := state("/b", 10, 1)
	c := state("/c", 10, 1)

	cache.RecordDuplicate(a, b)

	changed := a
	changed.ModTime = 5
	cache.RecordDifferent(changed, c)

	rec, ok := cache.Lookup(a.Path)
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.ModTime)
	assert.Empty(t, rec.Duplicates, "peers from the old version are dropped")
	assert.Equal(t, []Peer{{Path: "/c", ModTime: 1}}, rec.Different)
	assert.True(t, cache.IsConfirmedDifferent(changed, c))
}

func TestRecordsAndRestore(t *testing.T) {
	cache := New()
	cache.RecordDuplicate(state("/b", 1, 1), state("/a", 1, 1))

	records := cache.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "/a", records[0].Path)
	assert.Equal(t, "/b", records[1].Path)

	restored := New()
	restored.Restore(records)
	assert.True(t, restored.IsConfirmedDuplicate(state("/a", 1, 1), state("/b", 1, 1)))

	// Copies are independent of the cache.
	records[0].Duplicates[0].ModTime = 42
	assert.True(t, restored.IsConfirmedDuplicate(state("/a", 1, 1), state("/b", 1, 1)))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "different", Different.String())
}
