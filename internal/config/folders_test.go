package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFoldersFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "viewable_folders.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadViewableFolders(t *testing.T) {
	cfg := validConfig()

	t.Run("valid document", func(t *testing.T) {
		path := writeFoldersFile(t, `{
			"folders": [
				{"name": "Output", "path": "/data/output", "url_path": "/output/", "description": "results"},
				{"name": "Archive", "path": "/mnt/archive", "url_path": "archive", "description": ""}
			]
		}`)

		folders, err := LoadViewableFolders(path, cfg)
		require.NoError(t, err)
		require.Len(t, folders, 2)
		assert.Equal(t, "output", folders[0].URLPrefix, "surrounding slashes stripped")
		assert.Equal(t, "/data/output", folders[0].Path)
		assert.Equal(t, "archive", folders[1].URLPrefix)
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		folders, err := LoadViewableFolders(filepath.Join(t.TempDir(), "nope.json"), cfg)
		require.NoError(t, err)
		require.Len(t, folders, 2)
		assert.Equal(t, "/data/output", folders[0].Path)
		assert.Equal(t, "output", folders[0].URLPrefix)
		assert.Equal(t, "/data/dicom", folders[1].Path)
		assert.Equal(t, "dicom", folders[1].URLPrefix)
	})

	t.Run("empty folder list yields defaults", func(t *testing.T) {
		path := writeFoldersFile(t, `{"folders": []}`)
		folders, err := LoadViewableFolders(path, cfg)
		require.NoError(t, err)
		assert.Len(t, folders, 2)
	})

	t.Run("relative path rejected", func(t *testing.T) {
		path := writeFoldersFile(t, `{"folders": [{"name": "Bad", "path": "rel/path", "url_path": "bad"}]}`)
		_, err := LoadViewableFolders(path, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be absolute")
	})

	t.Run("missing name rejected", func(t *testing.T) {
		path := writeFoldersFile(t, `{"folders": [{"name": "", "path": "/data", "url_path": "d"}]}`)
		_, err := LoadViewableFolders(path, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")
	})

	t.Run("duplicate prefixes rejected", func(t *testing.T) {
		path := writeFoldersFile(t, `{"folders": [
			{"name": "A", "path": "/data/a", "url_path": "same"},
			{"name": "B", "path": "/data/b", "url_path": "/same/"}
		]}`)
		_, err := LoadViewableFolders(path, cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate url_path")
	})

	t.Run("malformed json rejected", func(t *testing.T) {
		path := writeFoldersFile(t, `{"folders": [`)
		_, err := LoadViewableFolders(path, cfg)
		require.Error(t, err)
	})
}

func TestNormalizeURLPrefix(t *testing.T) {
	assert.Equal(t, "output", NormalizeURLPrefix("/output/"))
	assert.Equal(t, "a/b", NormalizeURLPrefix(" /a/b "))
	assert.Equal(t, "", NormalizeURLPrefix("/"))
}
