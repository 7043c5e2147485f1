package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveExplicit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	got, err := Resolve(path)
	require.NoError(t, err)
	require.Equal(t, path, got)

	_, err = Resolve(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestFindFirstMatch(t *testing.T) {
	t.Parallel()

	empty := t.TempDir()
	withFile := t.TempDir()
	later := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(withFile, FileName), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(later, FileName), nil, 0o600))

	got, err := find([]string{empty, withFile, later})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(withFile, FileName), got)
}

func TestFindSkipsDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, FileName), 0o750))

	got, err := find([]string{dir})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSearchDirsIncludesXDG(t *testing.T) {
	t.Parallel()

	dirs := SearchDirs()
	require.Len(t, dirs, 3)
	require.Equal(t, XDGConfigDir(), dirs[1])
	require.Equal(t, AppName, filepath.Base(dirs[1]))
}
