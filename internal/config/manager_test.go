package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Folders.Output = "/data/output"
	cfg.Folders.Dicom = "/data/dicom"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "missing output folder",
			mutate:      func(c *Config) { c.Folders.Output = "" },
			wantErr:     true,
			errContains: "output folder is required",
		},
		{
			name:        "relative output folder",
			mutate:      func(c *Config) { c.Folders.Output = "data/output" },
			wantErr:     true,
			errContains: "must be an absolute path",
		},
		{
			name:        "missing dicom folder",
			mutate:      func(c *Config) { c.Folders.Dicom = "" },
			wantErr:     true,
			errContains: "dicom folder is required",
		},
		{
			name:        "relative dicom folder",
			mutate:      func(c *Config) { c.Folders.Dicom = "./dicom" },
			wantErr:     true,
			errContains: "must be an absolute path",
		},
		{
			name:        "bad base url scheme",
			mutate:      func(c *Config) { c.Server.BaseURL = "ftp://host:21" },
			wantErr:     true,
			errContains: "http or https",
		},
		{
			name:        "base url without host",
			mutate:      func(c *Config) { c.Server.BaseURL = "http://" },
			wantErr:     true,
			errContains: "must include a host",
		},
		{
			name:        "negative cache size",
			mutate:      func(c *Config) { c.Cache.MaxSizeMB = -1 },
			wantErr:     true,
			errContains: "max_size_mb",
		},
		{
			name:        "negative ttl",
			mutate:      func(c *Config) { c.Cache.DefaultTTLHours = -2 },
			wantErr:     true,
			errContains: "default_ttl_hours",
		},
		{
			name:        "relative cache directory",
			mutate:      func(c *Config) { c.Cache.Directory = "cache" },
			wantErr:     true,
			errContains: "cache directory must be an absolute path",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Log.Level = "verbose" },
			wantErr:     true,
			errContains: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(1024), cfg.Cache.MaxSizeMB)
	assert.Equal(t, 24, cfg.Cache.DefaultTTLHours)
	assert.Equal(t, "http://0.0.0.0:8888", cfg.Server.BaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfig_Accessors(t *testing.T) {
	cfg := validConfig()

	assert.Equal(t, int64(1024)*1024*1024, cfg.GetMaxCacheSizeBytes())
	assert.Equal(t, 24*time.Hour, cfg.GetDefaultTTL())
	assert.Equal(t, filepath.Join("/data/output", "image_cache"), cfg.GetCacheDirectory())
	assert.Equal(t, "0.0.0.0:8888", cfg.GetBindAddr())
	assert.Equal(t, 10*time.Minute, cfg.GetSweepInterval())
	assert.Equal(t, filepath.Join("/data/output", "viewable_folders.json"), cfg.GetViewableFoldersPath())

	cfg.Cache.MaxSizeMB = 0
	assert.Equal(t, int64(1024)*1024*1024, cfg.GetMaxCacheSizeBytes(), "zero falls back to default")

	cfg.Cache.Directory = "/var/cache/scans"
	assert.Equal(t, "/var/cache/scans", cfg.GetCacheDirectory())

	cfg.Server.BaseURL = "https://imaging.example.org"
	assert.Equal(t, "imaging.example.org:443", cfg.GetBindAddr())

	cfg.Server.BaseURL = "http://127.0.0.1:9000"
	assert.Equal(t, "127.0.0.1:9000", cfg.GetBindAddr())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OUTPUT_FOLDER", "/env/output")
	t.Setenv("DICOM_FOLDER", "/env/dicom")
	t.Setenv("IMAGE_SERVER", "http://10.0.0.5:7777")

	cfg := validConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "/env/output", cfg.Folders.Output)
	assert.Equal(t, "/env/dicom", cfg.Folders.Dicom)
	assert.Equal(t, "http://10.0.0.5:7777", cfg.Server.BaseURL)
	assert.Equal(t, "10.0.0.5:7777", cfg.GetBindAddr())
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("OUTPUT_FOLDER", "/env/output")
	t.Setenv("DICOM_FOLDER", "/env/dicom")

	dir := t.TempDir()
	file := filepath.Join(dir, "scanserve.yaml")
	require.NoError(t, os.WriteFile(file, []byte("cache:\n  max_size_mb: 64\n"), 0644))

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, int64(64), cfg.Cache.MaxSizeMB)
	assert.Equal(t, "/env/output", cfg.Folders.Output)
}

func TestLoadConfig_FailsFastOnRelativeEnv(t *testing.T) {
	t.Setenv("OUTPUT_FOLDER", "relative/path")
	t.Setenv("DICOM_FOLDER", "/env/dicom")

	dir := t.TempDir()
	file := filepath.Join(dir, "scanserve.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: info\n"), 0644))

	_, err := LoadConfig(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestManager_UpdateNotifiesCallbacks(t *testing.T) {
	cfg := validConfig()
	manager := NewManager(cfg, "")

	var gotOld, gotNew *Config
	manager.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld = oldConfig
		gotNew = newConfig
	})

	updated := cfg.DeepCopy()
	updated.Cache.MaxSizeMB = 2048
	require.NoError(t, manager.UpdateConfig(updated))

	require.NotNil(t, gotOld)
	require.NotNil(t, gotNew)
	assert.Equal(t, int64(1024), gotOld.Cache.MaxSizeMB)
	assert.Equal(t, int64(2048), gotNew.Cache.MaxSizeMB)
	assert.Equal(t, int64(2048), manager.GetConfig().Cache.MaxSizeMB)
}

func TestManager_ValidateConfigUpdate_ProtectedFields(t *testing.T) {
	cfg := validConfig()
	manager := NewManager(cfg, "")

	changed := cfg.DeepCopy()
	changed.Folders.Output = "/other/output"
	err := manager.ValidateConfigUpdate(changed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires server restart")

	changed = cfg.DeepCopy()
	changed.Cache.MaxSizeMB = 4096
	assert.NoError(t, manager.ValidateConfigUpdate(changed))
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.MaxSizeMB = 512

	dir := t.TempDir()
	file := filepath.Join(dir, "nested", "scanserve.yaml")
	require.NoError(t, SaveToFile(cfg, file))

	loaded, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, int64(512), loaded.Cache.MaxSizeMB)
	assert.Equal(t, cfg.Folders.Output, loaded.Folders.Output)
}
