// Package cache implements the local image cache: a size-bounded,
// TTL-expiring store of downloaded volumes on disk, backed by a JSON
// metadata document that is reloaded at startup and rewritten after
// every mutation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"path"
	"strings"
	"time"
)

var (
	// ErrCacheFull means the required bytes cannot fit even after
	// evicting every other entry.
	ErrCacheFull = errors.New("cache full")

	// ErrNotFound means no live entry exists for the URL.
	ErrNotFound = errors.New("cache entry not found")
)

// Entry describes one cached download. The cache store exclusively owns
// the backing file's lifecycle.
type Entry struct {
	URL            string    `json:"url"`
	LocalPath      string    `json:"local_path"`
	FileSize       int64     `json:"file_size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    uint64    `json:"access_count"`
	ContentHash    string    `json:"content_hash"`
	TTLSeconds     uint32    `json:"ttl_seconds"`

	// seq is the insertion order, used as the deterministic tie-break
	// when eviction candidates share a last-access time. Reconstructed
	// from document order on load.
	seq uint64
}

func (e *Entry) ttl() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// expired reports whether the entry's lifetime has passed. A positive
// override replaces the entry's own TTL for this check.
func (e *Entry) expired(now time.Time, override time.Duration) bool {
	ttl := e.ttl()
	if override > 0 {
		ttl = override
	}
	return now.Sub(e.CreatedAt) > ttl
}

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	EntryCount       int     `json:"entry_count"`
	CurrentSizeBytes int64   `json:"current_size_bytes"`
	MaxSizeBytes     int64   `json:"max_size_bytes"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	Evictions        uint64  `json:"evictions"`
	TotalDownloads   uint64  `json:"total_downloads"`
	TotalBytesCached uint64  `json:"total_bytes_cached"`
}

// counters are the aggregate statistics that survive restarts.
type counters struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	Evictions        uint64 `json:"evictions"`
	TotalDownloads   uint64 `json:"total_downloads"`
	TotalBytesCached uint64 `json:"total_bytes_cached"`
}

// Key derives the filesystem-safe cache key for a URL.
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// fileNameFor names the cached file after the key while keeping the
// source extension, so content-type detection and viewers that sniff
// suffixes (.nii.gz in particular) keep working.
func fileNameFor(rawURL string) string {
	return Key(rawURL) + extensionOf(rawURL)
}

func extensionOf(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)

	ext := path.Ext(base)
	if ext == ".gz" {
		if inner := path.Ext(strings.TrimSuffix(base, ext)); inner != "" {
			return inner + ext
		}
	}
	return ext
}
