package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestResolve_DirectFile(t *testing.T) {
	dir := t.TempDir()
	// Any extension is fine when named directly
	p := filepath.Join(dir, "vnet.conf")
	writeFile(t, p, "tap:\n  dev: tap0\n")

	files, err := resolve(p, true)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, files)
}

func TestResolve_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.yml"), "")
	writeFile(t, filepath.Join(dir, "a.yaml"), "")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")
	writeFile(t, filepath.Join(dir, "nested", "c.yaml"), "")

	files, err := resolve(dir, true)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yaml"),
		filepath.Join(dir, "b.yml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, files)
}

func TestResolve_Missing(t *testing.T) {
	_, err := resolve(filepath.Join(t.TempDir(), "nope.yml"), true)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// A dangling link inside a directory is skipped
	dir := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone.yml"), filepath.Join(dir, "link.yml")))
	files, err := resolve(dir, true)
	require.NoError(t, err)
	assert.Empty(t, files)
}
