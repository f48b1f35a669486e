package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileSystemRoundTrip(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("exports/fingerprints.json", []byte(`{"ok":true}`), 0644))
	assert.True(t, m.Exists("exports/fingerprints.json"))

	data, err := m.ReadFile("exports/fingerprints.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestMemoryFileSystemReadMissing(t *testing.T) {
	m := NewMemoryFileSystem()

	_, err := m.ReadFile("nope.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, m.Exists("nope.json"))
}

func TestMemoryFileSystemWriteIsolation(t *testing.T) {
	m := NewMemoryFileSystem()

	src := []byte("original")
	require.NoError(t, m.WriteFile("a.txt", src, 0644))
	src[0] = 'X'

	got, err := m.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got), "stored data must not alias the caller's slice")

	got[0] = 'Y'
	again, err := m.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again), "returned data must not alias the stored copy")
}

func TestMemoryFileSystemMkdirAllCreatesParents(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.MkdirAll("a/b/c", 0755))
	assert.True(t, m.Exists("a/b/c"))
	assert.True(t, m.Exists("a/b"))
	assert.True(t, m.Exists("a"))
}

func TestMemoryFileSystemRemove(t *testing.T) {
	m := NewMemoryFileSystem()

	require.NoError(t, m.WriteFile("a.txt", []byte("x"), 0644))
	require.NoError(t, m.Remove("a.txt"))
	assert.False(t, m.Exists("a.txt"))

	err := m.Remove("a.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOSFileSystemRoundTrip(t *testing.T) {
	osfs := OSFileSystem{}
	dir := t.TempDir()

	path := filepath.Join(dir, "sub", "out.json")
	require.NoError(t, osfs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, osfs.WriteFile(path, []byte("payload"), 0644))
	assert.True(t, osfs.Exists(path))

	data, err := osfs.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, osfs.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
