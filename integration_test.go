package integration_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fybrk/dupfinder/pkg/dupfinder"
	"github.com/Fybrk/dupfinder/pkg/types"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

func newEngine(t *testing.T, dbPath string) *dupfinder.Engine {
	t.Helper()
	cfg := dupfinder.DefaultConfig()
	cfg.DBPath = dbPath
	e, err := dupfinder.New(cfg)
	require.NoError(t, err)
	return e
}

func find(t *testing.T, e *dupfinder.Engine, path string) types.FileID {
	t.Helper()
	id, err := e.FindFile(path)
	require.NoError(t, err)
	return id
}

func flags(t *testing.T, e *dupfinder.Engine, id types.FileID) types.DupFlags {
	t.Helper()
	f, err := e.Flags(id)
	require.NoError(t, err)
	return f
}

func TestSamePathAcrossContextsIsGlobalDuplicate(t *testing.T) {
	e := newEngine(t, "")
	defer e.Close()

	data := pattern(1500, 0x11)
	root1, root2 := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(root1, "a.txt"), data)
	writeFile(t, filepath.Join(root2, "a.txt"), data)

	_, err := e.OpenContext(root1, "left")
	require.NoError(t, err)
	_, err = e.OpenContext(root2, "right")
	require.NoError(t, err)

	for _, root := range []string{root1, root2} {
		id := find(t, e, filepath.Join(root, "a.txt"))
		assert.Equal(t, types.GlobalDup, flags(t, e, id))
		assert.Empty(t, e.LocalDuplicatesOf(id))
		assert.Len(t, e.GlobalDuplicatesOf(id), 1)
	}
}

func TestSmallIdenticalFilesAreLocalDuplicates(t *testing.T) {
	e := newEngine(t, "")
	defer e.Close()

	data := pattern(500, 0x22)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.bin"), data)
	writeFile(t, filepath.Join(root, "y.bin"), data)

	_, err := e.OpenContext(root, "")
	require.NoError(t, err)

	for _, name := range []string{"x.bin", "y.bin"} {
		id := find(t, e, filepath.Join(root, name))
		assert.Equal(t, types.LocalDup, flags(t, e, id))

		sums, err := e.Checksums(id)
		require.NoError(t, err)
		assert.True(t, sums.Prefix.Defined())
		assert.Equal(t, sums.Prefix, sums.Sample)
		assert.Equal(t, sums.Prefix, sums.Full)
	}
}

func TestSharedPrefixResolvesToUnique(t *testing.T) {
	e := newEngine(t, "")
	defer e.Close()

	p := pattern(10*1024, 0x33)
	q := append([]byte(nil), p...)
	for i := 1024; i < len(q); i++ {
		q[i] ^= 0xff
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "p.bin"), p)
	writeFile(t, filepath.Join(root, "q.bin"), q)

	_, err := e.OpenContext(root, "")
	require.NoError(t, err)

	pid := find(t, e, filepath.Join(root, "p.bin"))
	qid := find(t, e, filepath.Join(root, "q.bin"))
	assert.True(t, e.IsUnique(pid))
	assert.True(t, e.IsUnique(qid))

	ps, err := e.Checksums(pid)
	require.NoError(t, err)
	qs, err := e.Checksums(qid)
	require.NoError(t, err)
	assert.Equal(t, ps.Prefix, qs.Prefix)
	assert.False(t, ps.CompatibleWith(qs), "a deeper digest tells them apart")

	stats := e.LastStats()
	assert.GreaterOrEqual(t, stats.Escalations[types.LevelSample], 1)
	assert.Zero(t, stats.Groups)
}

func TestRemovingGroupMemberDissolvesGroup(t *testing.T) {
	e := newEngine(t, "")
	defer e.Close()

	data := pattern(4000, 0x44)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "one.dat"), data)
	writeFile(t, filepath.Join(root, "two.dat"), data)

	info, err := e.OpenContext(root, "")
	require.NoError(t, err)
	require.Len(t, e.GroupsForContext(info.ID), 1)

	one := find(t, e, filepath.Join(root, "one.dat"))
	two := find(t, e, filepath.Join(root, "two.dat"))
	require.NoError(t, e.RemoveFile(one))

	assert.True(t, e.IsUnique(two))
	assert.Equal(t, types.Unique, flags(t, e, two))
	assert.Empty(t, e.GroupsForContext(info.ID))
}

func TestReopenFromPersistedState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dupfinder.db")

	root1, root2 := t.TempDir(), t.TempDir()
	shared := pattern(6000, 0x55)
	writeFile(t, filepath.Join(root1, "docs", "report.pdf"), shared)
	writeFile(t, filepath.Join(root1, "report-copy.pdf"), shared)
	writeFile(t, filepath.Join(root2, "report.pdf"), shared)
	writeFile(t, filepath.Join(root2, "notes.txt"), pattern(6000, 0x66))

	classify := func(e *dupfinder.Engine) map[string]types.DupFlags {
		out := make(map[string]types.DupFlags)
		for _, path := range []string{
			filepath.Join(root1, "docs", "report.pdf"),
			filepath.Join(root1, "report-copy.pdf"),
			filepath.Join(root2, "report.pdf"),
			filepath.Join(root2, "notes.txt"),
		} {
			out[path] = flags(t, e, find(t, e, path))
		}
		return out
	}

	first := newEngine(t, dbPath)
	ctx1, err := first.OpenContext(root1, "")
	require.NoError(t, err)
	ctx2, err := first.OpenContext(root2, "")
	require.NoError(t, err)
	assert.NotZero(t, first.LastStats().Comparisons)

	before := classify(first)
	assert.Equal(t, types.Both, before[filepath.Join(root1, "report-copy.pdf")])
	assert.Equal(t, types.GlobalDup, before[filepath.Join(root2, "report.pdf")])
	assert.Equal(t, types.Unique, before[filepath.Join(root2, "notes.txt")])

	require.NoError(t, first.Save())
	require.NoError(t, first.CloseContext(ctx2.ID))
	require.NoError(t, first.CloseContext(ctx1.ID))
	require.NoError(t, first.Close())

	second := newEngine(t, dbPath)
	defer second.Close()

	info1, err := second.OpenContext(root1, "")
	require.NoError(t, err)
	assert.Equal(t, 2, info1.Seeded)
	assert.Zero(t, second.LastStats().Comparisons, "local pair is served by the cache")
	assert.Equal(t, 1, second.LastStats().Groups)

	info2, err := second.OpenContext(root2, "")
	require.NoError(t, err)
	assert.Equal(t, 2, info2.Seeded)
	assert.Zero(t, second.LastStats().Comparisons, "cross-context pair is served by the cache")

	assert.Equal(t, before, classify(second))
}
