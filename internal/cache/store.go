package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/scanserve/scanserve/internal/utils"
)

// Store is the in-memory index over the cache directory. One mutex
// serializes every index mutation; it is never held across stream I/O,
// so a slow download cannot starve readers.
type Store struct {
	mu         sync.Mutex
	fs         afero.Fs
	dir        string
	maxBytes   int64
	defaultTTL time.Duration

	entries  map[string]*Entry
	curBytes int64
	nextSeq  uint64
	counters counters

	meta   *MetadataStore
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Store over dir, reloading any persisted state. Entries
// whose backing file is gone or has an unexpected size are dropped during
// the reload; stray temp files from an earlier crash are removed.
func New(fsys afero.Fs, dir string, maxBytes int64, defaultTTL time.Duration, logger *slog.Logger) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", maxBytes)
	}
	if defaultTTL <= 0 {
		return nil, fmt.Errorf("cache default TTL must be positive, got %s", defaultTTL)
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	s := &Store{
		fs:         fsys,
		dir:        dir,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*Entry),
		meta:       NewMetadataStore(fsys, dir, logger),
		logger:     logger,
		now:        time.Now,
	}

	s.removeStaleTempFiles()
	s.reload()

	return s, nil
}

func (s *Store) removeStaleTempFiles() {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return
	}
	for _, info := range infos {
		name := info.Name()
		if strings.HasPrefix(name, ".cache-") || strings.HasPrefix(name, ".metadata-") {
			if err := s.fs.Remove(filepath.Join(s.dir, name)); err != nil {
				s.logger.Warn("failed to remove stale temp file", "name", name, "err", err)
			}
		}
	}
}

func (s *Store) reload() {
	doc := s.meta.Load()

	dropped := 0
	for _, e := range doc.Entries {
		info, err := s.fs.Stat(e.LocalPath)
		if err != nil {
			dropped++
			continue
		}
		if info.Size() != e.FileSize {
			dropped++
			if err := s.fs.Remove(e.LocalPath); err != nil {
				s.logger.Warn("failed to remove inconsistent cache file", "path", e.LocalPath, "err", err)
			}
			continue
		}

		e.seq = s.nextSeq
		s.nextSeq++
		s.entries[Key(e.URL)] = e
		s.curBytes += e.FileSize
	}

	s.counters = doc.Counters

	if dropped > 0 {
		s.logger.Info("dropped cache entries whose files were missing or inconsistent", "count", dropped)
		s.mu.Lock()
		s.persistLocked()
		s.mu.Unlock()
	}

	s.logger.Info("cache index loaded",
		"entries", len(s.entries),
		"size", utils.FormatBytes(s.curBytes),
		"capacity", utils.FormatBytes(s.maxBytes))
}

// Get returns the local path for url if a live entry exists. Stale
// entries — expired, or with a missing/inconsistent backing file — are
// removed on the spot and reported as a miss. A positive ttlOverride
// replaces the entry's own TTL for the expiry check.
func (s *Store) Get(url string, ttlOverride time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[Key(url)]
	if !ok {
		s.counters.Misses++
		s.persistLocked()
		return "", false
	}

	if info, err := s.fs.Stat(e.LocalPath); err != nil || info.Size() != e.FileSize {
		// Self-healing: the backing file is gone or was tampered with.
		s.dropLocked(e, err == nil)
		s.counters.Misses++
		s.persistLocked()
		return "", false
	}

	if e.expired(s.now(), ttlOverride) {
		s.dropLocked(e, true)
		s.counters.Misses++
		s.persistLocked()
		return "", false
	}

	e.LastAccessedAt = s.now()
	e.AccessCount++
	s.counters.Hits++
	s.persistLocked()
	return e.LocalPath, true
}

// Put streams r into the cache under url and registers the entry. Space
// is reserved before the stream starts: when sizeHint is known (>= 0) the
// full size is reserved, otherwise a conservative single-chunk minimum is
// reserved and the true size is settled after the stream completes. The
// data lands in a temp file inside the cache directory and is renamed
// into place, so a reader never observes a partially written cache file.
func (s *Store) Put(ctx context.Context, url string, r io.Reader, sizeHint int64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	need := sizeHint
	if need < 0 {
		need = utils.ChunkSize
	}

	s.mu.Lock()
	if need > s.maxBytes {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: need %d bytes, capacity %d", ErrCacheFull, need, s.maxBytes)
	}
	evictionsBefore := s.counters.Evictions
	err := s.evictLocked(need)
	if s.counters.Evictions != evictionsBefore {
		s.persistLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, ".cache-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	written, err := utils.CopyWithCtx(ctx, io.MultiWriter(tmp, hasher), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	now := s.now()
	entry := &Entry{
		URL:            url,
		LocalPath:      filepath.Join(s.dir, fileNameFor(url)),
		FileSize:       written,
		CreatedAt:      now,
		LastAccessedAt: now,
		ContentHash:    hex.EncodeToString(hasher.Sum(nil)),
		TTLSeconds:     clampTTLSeconds(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if written > s.maxBytes {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("%w: need %d bytes, capacity %d", ErrCacheFull, written, s.maxBytes)
	}

	// Replacing an existing entry for the same URL: detach it from the
	// accounting while keeping its file, which the rename below overwrites.
	// On failure it is reattached untouched.
	dup := s.entries[Key(url)]
	if dup != nil {
		delete(s.entries, Key(url))
		s.curBytes -= dup.FileSize
	}

	if err := s.evictLocked(written); err != nil {
		if dup != nil {
			s.entries[Key(url)] = dup
			s.curBytes += dup.FileSize
		}
		_ = s.fs.Remove(tmpName)
		s.persistLocked()
		return "", err
	}

	if err := s.fs.Rename(tmpName, entry.LocalPath); err != nil {
		if dup != nil {
			s.entries[Key(url)] = dup
			s.curBytes += dup.FileSize
		}
		_ = s.fs.Remove(tmpName)
		s.persistLocked()
		return "", fmt.Errorf("failed to publish cache file: %w", err)
	}

	entry.seq = s.nextSeq
	s.nextSeq++
	s.entries[Key(url)] = entry
	s.curBytes += written
	s.counters.TotalDownloads++
	s.counters.TotalBytesCached += uint64(written)
	s.persistLocked()

	return entry.LocalPath, nil
}

// Invalidate removes the entry for url and deletes its file. Unknown
// URLs are a no-op.
func (s *Store) Invalidate(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[Key(url)]; ok {
		s.dropLocked(e, true)
		s.persistLocked()
	}
}

// Clear removes every entry and file and resets all statistics.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if err := s.fs.Remove(e.LocalPath); err != nil && !isNotExist(err) {
			s.logger.Warn("failed to remove cache file during clear", "path", e.LocalPath, "err", err)
		}
	}

	s.entries = make(map[string]*Entry)
	s.curBytes = 0
	s.nextSeq = 0
	s.counters = counters{}
	s.persistLocked()
}

// Stats returns a snapshot of cache state and counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hitRate float64
	if total := s.counters.Hits + s.counters.Misses; total > 0 {
		hitRate = float64(s.counters.Hits) / float64(total)
	}

	return Stats{
		EntryCount:       len(s.entries),
		CurrentSizeBytes: s.curBytes,
		MaxSizeBytes:     s.maxBytes,
		Hits:             s.counters.Hits,
		Misses:           s.counters.Misses,
		HitRate:          hitRate,
		Evictions:        s.counters.Evictions,
		TotalDownloads:   s.counters.TotalDownloads,
		TotalBytesCached: s.counters.TotalBytesCached,
	}
}

// Peek reports whether a live entry exists for url without moving any
// statistics or access times. Stale entries are left in place for the
// next Get to clean up.
func (s *Store) Peek(url string, ttlOverride time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[Key(url)]
	if !ok {
		return "", false
	}
	if info, err := s.fs.Stat(e.LocalPath); err != nil || info.Size() != e.FileSize {
		return "", false
	}
	if e.expired(s.now(), ttlOverride) {
		return "", false
	}
	return e.LocalPath, true
}

// Entry returns a copy of the live entry for url. Unlike Get it touches
// neither the access statistics nor the hit/miss counters.
func (s *Store) Entry(url string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[Key(url)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of the live entries in insertion order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// SetLimits adjusts capacity and default TTL at runtime. Shrinking the
// capacity below current usage evicts immediately.
func (s *Store) SetLimits(maxBytes int64, defaultTTL time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if maxBytes > 0 && maxBytes != s.maxBytes {
		s.maxBytes = maxBytes
		changed = true
	}
	if defaultTTL > 0 && defaultTTL != s.defaultTTL {
		s.defaultTTL = defaultTTL
		changed = true
	}
	if !changed {
		return
	}

	if s.curBytes > s.maxBytes {
		if err := s.evictLocked(0); err != nil {
			s.logger.Warn("eviction after capacity change did not fully converge", "err", err)
		}
	}
	s.persistLocked()

	s.logger.Info("cache limits updated",
		"capacity", utils.FormatBytes(s.maxBytes),
		"default_ttl", s.defaultTTL)
}

// DefaultTTL returns the TTL applied to entries stored without their own.
func (s *Store) DefaultTTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultTTL
}

// SweepExpired removes every expired entry and returns how many were
// dropped. Expiry is independent of size pressure and does not count as
// an eviction.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, e := range s.entries {
		if e.expired(now, 0) {
			s.dropLocked(e, true)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// Flush persists the current state; called once more on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// evictLocked frees space until curBytes+need fits the capacity,
// removing the least recently accessed entries first; equal access times
// fall back to insertion order so tests are deterministic. An entry whose
// file cannot be deleted is skipped and eviction moves on to the next
// candidate. Returns ErrCacheFull when the target cannot be reached.
func (s *Store) evictLocked(need int64) error {
	if s.curBytes+need <= s.maxBytes {
		return nil
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccessedAt.Equal(candidates[j].LastAccessedAt) {
			return candidates[i].seq < candidates[j].seq
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	for _, e := range candidates {
		if s.curBytes+need <= s.maxBytes {
			break
		}
		if err := s.fs.Remove(e.LocalPath); err != nil && !isNotExist(err) {
			s.logger.Warn("eviction could not remove cache file, skipping entry",
				"path", e.LocalPath, "err", err)
			continue
		}
		delete(s.entries, Key(e.URL))
		s.curBytes -= e.FileSize
		s.counters.Evictions++
		s.logger.Debug("evicted cache entry", "url", e.URL, "size", e.FileSize)
	}

	if s.curBytes+need > s.maxBytes {
		return fmt.Errorf("%w: need %d bytes, capacity %d", ErrCacheFull, need, s.maxBytes)
	}
	return nil
}

// dropLocked removes an entry from the index, optionally deleting its file.
func (s *Store) dropLocked(e *Entry, removeFile bool) {
	delete(s.entries, Key(e.URL))
	s.curBytes -= e.FileSize
	if removeFile {
		if err := s.fs.Remove(e.LocalPath); err != nil && !isNotExist(err) {
			s.logger.Warn("failed to remove cache file", "path", e.LocalPath, "err", err)
		}
	}
}

func (s *Store) persistLocked() {
	doc := &document{
		Version:   metadataVersion,
		UpdatedAt: s.now(),
		Counters:  s.counters,
		Entries:   make([]*Entry, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		doc.Entries = append(doc.Entries, e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].seq < doc.Entries[j].seq })

	if err := s.meta.Save(doc); err != nil {
		s.logger.Error("failed to persist cache metadata", "err", err)
	}
}

func clampTTLSeconds(ttl time.Duration) uint32 {
	secs := int64(ttl / time.Second)
	if secs > math.MaxUint32 {
		return math.MaxUint32
	}
	if secs < 1 {
		return 1
	}
	return uint32(secs)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
