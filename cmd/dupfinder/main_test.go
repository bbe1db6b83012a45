package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fybrk/dupfinder/internal/config"
)

type cliTestEnv struct {
	configPath string
	dbPath     string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	cfg, err := config.CreateDefaultAt(configPath)
	require.NoError(t, err)

	return &cliTestEnv{
		configPath: configPath,
		dbPath:     cfg.DBPath,
		baseDir:    base,
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dupfinder version dev")
}

func TestHelpListsCommands(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"scan", "confirm", "config", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestConfigInitShowValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, "-c", env.configPath, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")

	out, err = runCLI(t, "-c", env.configPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "sample_percent")
	assert.Contains(t, out, env.dbPath)

	target := filepath.Join(env.baseDir, "other", "config.toml")
	out, err = runCLI(t, "config", "init", "--path", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default configuration")
	assert.FileExists(t, target)

	_, err = runCLI(t, "config", "init", "--path", target)
	assert.ErrorContains(t, err, "already exists")
}

func TestScan(t *testing.T) {
	env := setupCLITestEnv(t)

	data := bytes.Repeat([]byte("duplicate content "), 100)
	root1 := filepath.Join(env.baseDir, "one")
	root2 := filepath.Join(env.baseDir, "two")
	writeFile(t, filepath.Join(root1, "a.txt"), data)
	writeFile(t, filepath.Join(root2, "nested", "a-copy.txt"), data)
	writeFile(t, filepath.Join(root2, "other.txt"), []byte("not a duplicate"))

	out, err := runCLI(t, "-q", "-c", env.configPath, "scan", "--metrics", root1, root2)
	require.NoError(t, err)
	assert.Contains(t, out, "a-copy.txt [G]")
	assert.Contains(t, out, "1 groups")
	assert.Contains(t, out, "dupfinder_digests_computed_total")
	assert.FileExists(t, env.dbPath)

	t.Run("confirm uses saved state", func(t *testing.T) {
		out, err := runCLI(t, "-q", "-c", env.configPath, "confirm",
			"-r", root1, "-r", root2, filepath.Join(root1, "a.txt"))
		require.NoError(t, err)
		assert.Contains(t, out, "duplicated (full)")
		assert.Contains(t, out, "global  "+filepath.Join(root2, "nested", "a-copy.txt"))
	})

	t.Run("unique file", func(t *testing.T) {
		out, err := runCLI(t, "-q", "-c", env.configPath, "confirm", filepath.Join(root2, "other.txt"))
		require.NoError(t, err)
		assert.Contains(t, out, "unique")
	})
}

func TestConfirmNestedFiles(t *testing.T) {
	env := setupCLITestEnv(t)

	root := filepath.Join(env.baseDir, "a")
	writeFile(t, filepath.Join(root, "x.txt"), bytes.Repeat([]byte("x"), 2000))
	writeFile(t, filepath.Join(root, "b", "y.txt"), bytes.Repeat([]byte("y"), 2000))

	out, err := runCLI(t, "-q", "-c", env.configPath, "confirm",
		filepath.Join(root, "x.txt"), filepath.Join(root, "b", "y.txt"))
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(root, "b", "y.txt")+": unique")
	assert.NotContains(t, out, "global")

	_, err = runCLI(t, "-q", "-c", env.configPath, "confirm",
		"-r", root, "-r", filepath.Join(root, "b"), filepath.Join(root, "x.txt"))
	assert.ErrorContains(t, err, "overlaps an open context")
}

func TestOutermostRoots(t *testing.T) {
	roots, err := outermostRoots([]string{"/data/a/b", "/data/a", "/data/ab", "/data/a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a", "/data/ab"}, roots)
}

func TestScanMissingRoot(t *testing.T) {
	env := setupCLITestEnv(t)
	_, err := runCLI(t, "-q", "-c", env.configPath, "scan", filepath.Join(env.baseDir, "missing"))
	assert.Error(t, err)
}
