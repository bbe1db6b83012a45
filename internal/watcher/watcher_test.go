package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestWatcher(t *testing.T) (*TreeWatcher, string, func()) {
	t.Helper()
	root := t.TempDir()
	tw, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, tw.AddRoot(root))
	return tw, root, func() { tw.Close() }
}

// waitFor drains events until one matches path and op.
func waitFor(t *testing.T, tw *TreeWatcher, path string, op Op) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event := <-tw.Events():
			if event.Path == path && event.Op == op {
				return event
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s on %s", op, path)
			return Event{}
		}
	}
}

func TestAddRootWatchesSubdirectories(t *testing.T) {
	root := t.TempDir()
	subDir := filepath.Join(root, "subdir")
	require.NoError(t, os.Mkdir(subDir, 0755))

	tw, err := New(nil)
	require.NoError(t, err)
	defer tw.Close()

	require.NoError(t, tw.AddRoot(root))
	assert.True(t, tw.Watching(root))
	assert.True(t, tw.Watching(subDir))

	require.NoError(t, tw.RemoveRoot(root))
	assert.False(t, tw.Watching(root))
	assert.False(t, tw.Watching(subDir))
}

func TestAddRootNonexistent(t *testing.T) {
	tw, err := New(nil)
	require.NoError(t, err)
	defer tw.Close()

	assert.Error(t, tw.AddRoot("/nonexistent/path"))
}

func TestFileEvents(t *testing.T) {
	tw, root, cleanup := setupTestWatcher(t)
	defer cleanup()

	testFile := filepath.Join(root, "test.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0644))

	created := waitFor(t, tw, testFile, OpCreate)
	assert.Equal(t, root, created.Root)
	assert.False(t, created.Dir)

	f, err := os.OpenFile(testFile, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(" more")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	waitFor(t, tw, testFile, OpWrite)

	require.NoError(t, os.Remove(testFile))
	waitFor(t, tw, testFile, OpRemove)
}

func TestRenameReportsRemoveAndCreate(t *testing.T) {
	tw, root, cleanup := setupTestWatcher(t)
	defer cleanup()

	oldPath := filepath.Join(root, "old.txt")
	newPath := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0644))
	waitFor(t, tw, oldPath, OpCreate)

	require.NoError(t, os.Rename(oldPath, newPath))
	waitFor(t, tw, oldPath, OpRemove)
	waitFor(t, tw, newPath, OpCreate)
}

func TestDirectoryCreation(t *testing.T) {
	tw, root, cleanup := setupTestWatcher(t)
	defer cleanup()

	newDir := filepath.Join(root, "newdir")
	require.NoError(t, os.Mkdir(newDir, 0755))

	event := waitFor(t, tw, newDir, OpCreate)
	assert.True(t, event.Dir)
	assert.True(t, tw.Watching(newDir))

	nested := filepath.Join(newDir, "inner.txt")
	require.NoError(t, os.WriteFile(nested, []byte("inner"), 0644))
	waitFor(t, tw, nested, OpCreate)
}

func TestClose(t *testing.T) {
	tw, err := New(nil)
	require.NoError(t, err)

	assert.NoError(t, tw.Close())
	assert.NoError(t, tw.Close(), "close is idempotent")
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "remove", OpRemove.String())
}
