package config

import (
	"net/url"
	"path/filepath"
	"time"
)

const (
	defaultMaxCacheSizeMB   = 1024
	defaultTTLHours         = 24
	defaultSweepInterval    = 10 * time.Minute
	defaultBindHost         = "0.0.0.0"
	defaultBindPort         = "8888"
	defaultCacheDirName     = "image_cache"
	defaultViewableFileName = "viewable_folders.json"
)

// GetMaxCacheSizeBytes returns the cache capacity in bytes with default fallback
func (c *Config) GetMaxCacheSizeBytes() int64 {
	mb := c.Cache.MaxSizeMB
	if mb <= 0 {
		mb = defaultMaxCacheSizeMB
	}
	return mb * 1024 * 1024
}

// GetDefaultTTL returns the default cache entry lifetime with default fallback
func (c *Config) GetDefaultTTL() time.Duration {
	hours := c.Cache.DefaultTTLHours
	if hours <= 0 {
		hours = defaultTTLHours
	}
	return time.Duration(hours) * time.Hour
}

// GetCacheDirectory returns the cache directory, defaulting to a folder
// inside the output root so cached volumes live on the same filesystem
// as the data they relate to.
func (c *Config) GetCacheDirectory() string {
	if c.Cache.Directory != "" {
		return c.Cache.Directory
	}
	return filepath.Join(c.Folders.Output, defaultCacheDirName)
}

// GetSweepInterval returns how often the janitor removes expired entries
func (c *Config) GetSweepInterval() time.Duration {
	if c.Cache.SweepInterval <= 0 {
		return defaultSweepInterval
	}
	return c.Cache.SweepInterval
}

// GetViewableFoldersPath returns the path of the viewable folders JSON
// document. Relative paths anchor in the output root, the one directory
// every deployment has.
func (c *Config) GetViewableFoldersPath() string {
	p := c.Folders.ViewableFile
	if p == "" {
		p = defaultViewableFileName
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Folders.Output, p)
	}
	return p
}

// GetBindAddr derives the listen address from the advertised base URL
func (c *Config) GetBindAddr() string {
	host, port := defaultBindHost, defaultBindPort
	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err == nil {
			if h := u.Hostname(); h != "" {
				host = h
			}
			if p := u.Port(); p != "" {
				port = p
			} else if u.Scheme == "https" {
				port = "443"
			}
		}
	}
	return host + ":" + port
}
