package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsContained(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want bool
	}{
		{name: "inside", root: "/data/output", path: "/data/output/p1/scan.nii", want: true},
		{name: "equal", root: "/data/output", path: "/data/output", want: true},
		{name: "unclean but inside", root: "/data/output", path: "/data/output/a/../b", want: true},
		{name: "outside", root: "/data/output", path: "/data/dicom/file", want: false},
		{name: "parent", root: "/data/output", path: "/data", want: false},
		{name: "sibling with shared prefix", root: "/data/out", path: "/data/output/file", want: false},
		{name: "traversal escape", root: "/data/output", path: "/data/output/../secrets", want: false},
		{name: "root of filesystem", root: "/", path: "/etc/passwd", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsContained(tt.root, tt.path))
		})
	}
}

func TestCanonicalize(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.MkdirAll(real, 0755))

	t.Run("existing path resolves", func(t *testing.T) {
		got, err := Canonicalize(real)
		require.NoError(t, err)
		resolved, err := filepath.EvalSymlinks(real)
		require.NoError(t, err)
		assert.Equal(t, resolved, got)
	})

	t.Run("missing file resolves against existing ancestor", func(t *testing.T) {
		got, err := Canonicalize(filepath.Join(real, "missing", "file.nii"))
		require.NoError(t, err)
		resolved, err := filepath.EvalSymlinks(real)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(resolved, "missing", "file.nii"), got)
	})

	t.Run("symlink escape is made visible", func(t *testing.T) {
		outside := filepath.Join(dir, "outside")
		require.NoError(t, os.MkdirAll(outside, 0755))
		link := filepath.Join(real, "link")
		require.NoError(t, os.Symlink(outside, link))

		got, err := Canonicalize(filepath.Join(link, "secret.txt"))
		require.NoError(t, err)

		resolvedOutside, err := filepath.EvalSymlinks(outside)
		require.NoError(t, err)
		resolvedReal, err := filepath.EvalSymlinks(real)
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(resolvedOutside, "secret.txt"), got)
		assert.False(t, IsContained(resolvedReal, got))
	})
}

func TestCheckDirectoryWritable(t *testing.T) {
	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "fresh")
		require.NoError(t, CheckDirectoryWritable(dir))
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("rejects file path", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
		err := CheckDirectoryWritable(file)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("empty path rejected", func(t *testing.T) {
		assert.Error(t, CheckDirectoryWritable(""))
	})
}
