package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, fs afero.Fs, maxBytes int64) *Store {
	t.Helper()
	s, err := New(fs, "/cache", maxBytes, time.Hour, discardLogger())
	require.NoError(t, err)
	return s
}

func mustPut(t *testing.T, s *Store, url, body string) string {
	t.Helper()
	path, err := s.Put(context.Background(), url, strings.NewReader(body), int64(len(body)), 0)
	require.NoError(t, err)
	return path
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)

	body := "hello imaging world"
	path := mustPut(t, s, "http://pacs.local/scans/p1/ct.nii.gz", body)

	got, ok := s.Get("http://pacs.local/scans/p1/ct.nii.gz", 0)
	require.True(t, ok)
	assert.Equal(t, path, got)

	data, err := afero.ReadFile(fs, got)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	sum := sha256.Sum256([]byte(body))
	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, hex.EncodeToString(sum[:]), entries[0].ContentHash)
	assert.Equal(t, int64(len(body)), entries[0].FileSize)
	assert.True(t, strings.HasSuffix(entries[0].LocalPath, ".nii.gz"))

	stats := s.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(len(body)), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, uint64(1), stats.TotalDownloads)
	assert.Equal(t, uint64(len(body)), stats.TotalBytesCached)
}

func TestStore_GetUnknownURLMisses(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 1<<20)

	_, ok := s.Get("http://pacs.local/nope", 0)
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, float64(0), stats.HitRate)
}

func TestStore_TTLExpiry(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)
	clock := newFakeClock()
	s.now = clock.Now

	_, err := s.Put(context.Background(), "http://pacs.local/a", strings.NewReader("aaaa"), 4, 60*time.Second)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	path, ok := s.Get("http://pacs.local/a", 0)
	require.True(t, ok, "one second before the TTL the entry must still be served")

	clock.Advance(2 * time.Second)
	_, ok = s.Get("http://pacs.local/a", 0)
	assert.False(t, ok, "one second past the TTL the entry must be gone")

	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists, "expired entry must have its file removed")

	stats := s.Stats()
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, int64(0), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(0), stats.Evictions, "expiry is not an eviction")
}

func TestStore_TTLOverride(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 1<<20)
	clock := newFakeClock()
	s.now = clock.Now

	_, err := s.Put(context.Background(), "http://pacs.local/long", strings.NewReader("xx"), 2, time.Hour)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "http://pacs.local/short", strings.NewReader("yy"), 2, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	_, ok := s.Get("http://pacs.local/long", time.Second)
	assert.False(t, ok, "a tighter per-request TTL overrides the entry TTL")

	_, ok = s.Get("http://pacs.local/short", time.Hour)
	assert.True(t, ok, "a looser per-request TTL keeps an otherwise expired entry alive")
}

func TestStore_EvictsLeastRecentlyAccessedFirst(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 100)
	clock := newFakeClock()
	s.now = clock.Now

	mustPut(t, s, "http://pacs.local/a", strings.Repeat("a", 40))
	clock.Advance(time.Second)
	mustPut(t, s, "http://pacs.local/b", strings.Repeat("b", 40))
	clock.Advance(time.Second)

	// Touch A so B becomes the least recently accessed entry.
	_, ok := s.Get("http://pacs.local/a", 0)
	require.True(t, ok)
	clock.Advance(time.Second)

	mustPut(t, s, "http://pacs.local/c", strings.Repeat("c", 40))

	_, ok = s.Get("http://pacs.local/b", 0)
	assert.False(t, ok, "least recently accessed entry must be evicted")
	_, ok = s.Get("http://pacs.local/a", 0)
	assert.True(t, ok)
	_, ok = s.Get("http://pacs.local/c", 0)
	assert.True(t, ok)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, int64(80), stats.CurrentSizeBytes)
	assert.LessOrEqual(t, stats.CurrentSizeBytes, stats.MaxSizeBytes)
}

func TestStore_EvictionTieBreaksOnInsertionOrder(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 200)
	clock := newFakeClock()
	s.now = clock.Now

	// Same clock instant for all three, so only insertion order can decide.
	mustPut(t, s, "http://pacs.local/a", strings.Repeat("a", 40))
	mustPut(t, s, "http://pacs.local/b", strings.Repeat("b", 40))
	mustPut(t, s, "http://pacs.local/c", strings.Repeat("c", 40))

	mustPut(t, s, "http://pacs.local/d", strings.Repeat("d", 150))

	_, ok := s.Get("http://pacs.local/a", 0)
	assert.False(t, ok, "oldest insertion must go first")
	_, ok = s.Get("http://pacs.local/b", 0)
	assert.False(t, ok, "second oldest insertion must go second")
	_, ok = s.Get("http://pacs.local/c", 0)
	assert.True(t, ok)
	_, ok = s.Get("http://pacs.local/d", 0)
	assert.True(t, ok)

	assert.Equal(t, uint64(2), s.Stats().Evictions)
}

func TestStore_RejectsBodyLargerThanCapacity(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 100)

	mustPut(t, s, "http://pacs.local/keep", strings.Repeat("k", 30))

	_, err := s.Put(context.Background(), "http://pacs.local/big", strings.NewReader(strings.Repeat("x", 150)), 150, 0)
	require.ErrorIs(t, err, ErrCacheFull)

	// The oversized request must not have evicted anything.
	stats := s.Stats()
	assert.Equal(t, uint64(0), stats.Evictions)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(30), stats.CurrentSizeBytes)

	assertNoTempFiles(t, fs, "/cache")
}

func TestStore_RejectsUnknownSizeBodyLargerThanCapacity(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 10_000)

	body := strings.Repeat("x", 15_000)
	_, err := s.Put(context.Background(), "http://pacs.local/big", strings.NewReader(body), -1, 0)
	require.ErrorIs(t, err, ErrCacheFull)

	assert.Equal(t, 0, s.Stats().EntryCount)
	assertNoTempFiles(t, fs, "/cache")
}

func TestStore_PutUnknownSize(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 1<<20)

	body := strings.Repeat("z", 12_345)
	_, err := s.Put(context.Background(), "http://pacs.local/unsized", strings.NewReader(body), -1, 0)
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(12_345), entries[0].FileSize)
	assert.Equal(t, int64(12_345), s.Stats().CurrentSizeBytes)
}

func TestStore_ReplaceSameURL(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)

	first := mustPut(t, s, "http://pacs.local/scan", "aaaa")
	second := mustPut(t, s, "http://pacs.local/scan", "bbbbbb")
	assert.Equal(t, first, second, "a URL always maps to the same cache file")

	data, err := afero.ReadFile(fs, second)
	require.NoError(t, err)
	assert.Equal(t, "bbbbbb", string(data))

	stats := s.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(6), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(2), stats.TotalDownloads)
	assert.Equal(t, uint64(0), stats.Evictions)
}

func TestStore_SelfHealsMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)

	path := mustPut(t, s, "http://pacs.local/gone", "data")
	require.NoError(t, fs.Remove(path))

	_, ok := s.Get("http://pacs.local/gone", 0)
	assert.False(t, ok, "an entry without its file is a miss")

	stats := s.Stats()
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, int64(0), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(1), stats.Misses)

	// Re-populating after the heal must work.
	mustPut(t, s, "http://pacs.local/gone", "fresh")
	_, ok = s.Get("http://pacs.local/gone", 0)
	assert.True(t, ok)
}

func TestStore_InvalidateIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)

	path := mustPut(t, s, "http://pacs.local/x", "data")

	s.Invalidate("http://pacs.local/x")
	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, s.Stats().EntryCount)

	s.Invalidate("http://pacs.local/x")
	s.Invalidate("http://pacs.local/never-cached")
	assert.Equal(t, 0, s.Stats().EntryCount)
}

func TestStore_ClearResetsEverything(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)

	pathA := mustPut(t, s, "http://pacs.local/a", "aaaa")
	pathB := mustPut(t, s, "http://pacs.local/b", "bbbb")
	s.Get("http://pacs.local/a", 0)
	s.Get("http://pacs.local/missing", 0)

	s.Clear()

	stats := s.Stats()
	assert.Equal(t, 0, stats.EntryCount)
	assert.Equal(t, int64(0), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(0), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, uint64(0), stats.Evictions)
	assert.Equal(t, uint64(0), stats.TotalDownloads)

	for _, p := range []string{pathA, pathB} {
		exists, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestStore_PeekMovesNoStatistics(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)
	clock := newFakeClock()
	s.now = clock.Now

	_, ok := s.Peek("http://pacs.local/a", 0)
	assert.False(t, ok)

	path := mustPut(t, s, "http://pacs.local/a", "aaaa")

	got, ok := s.Peek("http://pacs.local/a", 0)
	require.True(t, ok)
	assert.Equal(t, path, got)

	stats := s.Stats()
	assert.Equal(t, uint64(0), stats.Hits, "peek must not count a hit")
	assert.Equal(t, uint64(0), stats.Misses, "peek must not count a miss")
	assert.Equal(t, uint64(0), s.Entries()[0].AccessCount)

	// An expired entry peeks as absent but is left for Get to clean up.
	clock.Advance(2 * time.Hour)
	_, ok = s.Peek("http://pacs.local/a", 0)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Stats().EntryCount)
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1 := newTestStore(t, fs, 1<<20)
	clock := newFakeClock()
	s1.now = clock.Now

	mustPut(t, s1, "http://pacs.local/a", "aaaa")
	clock.Advance(time.Second)
	mustPut(t, s1, "http://pacs.local/b", "bbbbbb")
	_, ok := s1.Get("http://pacs.local/a", 0)
	require.True(t, ok)
	s1.Flush()

	s2 := newTestStore(t, fs, 1<<20)
	s2.now = clock.Now

	entries := s2.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "http://pacs.local/a", entries[0].URL, "insertion order survives a restart")
	assert.Equal(t, "http://pacs.local/b", entries[1].URL)
	assert.Equal(t, uint64(1), entries[0].AccessCount)

	stats := s2.Stats()
	assert.Equal(t, int64(10), stats.CurrentSizeBytes)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.TotalDownloads)

	_, ok = s2.Get("http://pacs.local/b", 0)
	assert.True(t, ok)
}

func TestStore_DropsEntriesWithMissingFilesOnLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1 := newTestStore(t, fs, 1<<20)

	mustPut(t, s1, "http://pacs.local/a", "aaaa")
	pathB := mustPut(t, s1, "http://pacs.local/b", "bbbb")
	s1.Flush()

	require.NoError(t, fs.Remove(pathB))

	s2 := newTestStore(t, fs, 1<<20)
	entries := s2.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "http://pacs.local/a", entries[0].URL)
	assert.Equal(t, int64(4), s2.Stats().CurrentSizeBytes)
}

func TestStore_DropsInconsistentFilesOnLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	s1 := newTestStore(t, fs, 1<<20)

	path := mustPut(t, s1, "http://pacs.local/a", "aaaa")
	s1.Flush()

	require.NoError(t, afero.WriteFile(fs, path, []byte("tampered beyond size"), 0644))

	s2 := newTestStore(t, fs, 1<<20)
	assert.Empty(t, s2.Entries())

	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists, "a file that no longer matches its entry is removed")
}

func TestStore_CorruptMetadataStartsFresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/cache_metadata.json", []byte("{not json"), 0644))

	s := newTestStore(t, fs, 1<<20)
	assert.Empty(t, s.Entries())
	assert.Equal(t, 0, s.Stats().EntryCount)

	mustPut(t, s, "http://pacs.local/a", "aaaa")
	assert.Equal(t, 1, s.Stats().EntryCount)
}

func TestStore_RemovesStaleTempFilesOnStart(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cache/.cache-123456", []byte("partial"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/cache/.metadata-987", []byte("partial"), 0644))

	newTestStore(t, fs, 1<<20)

	assertNoTempFiles(t, fs, "/cache")
}

func TestStore_SetLimitsShrinkEvicts(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 200)
	clock := newFakeClock()
	s.now = clock.Now

	mustPut(t, s, "http://pacs.local/a", strings.Repeat("a", 80))
	clock.Advance(time.Second)
	mustPut(t, s, "http://pacs.local/b", strings.Repeat("b", 80))

	s.SetLimits(100, 0)

	stats := s.Stats()
	assert.Equal(t, int64(100), stats.MaxSizeBytes)
	assert.LessOrEqual(t, stats.CurrentSizeBytes, stats.MaxSizeBytes)
	assert.Equal(t, 1, stats.EntryCount)

	_, ok := s.Get("http://pacs.local/a", 0)
	assert.False(t, ok, "shrinking evicts the least recently accessed entry")
	_, ok = s.Get("http://pacs.local/b", 0)
	assert.True(t, ok)
}

func TestStore_SetLimitsUpdatesDefaultTTL(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 1<<20)

	s.SetLimits(0, 2*time.Hour)
	assert.Equal(t, 2*time.Hour, s.DefaultTTL())
	assert.Equal(t, int64(1<<20), s.Stats().MaxSizeBytes, "zero capacity means keep the current one")
}

func TestStore_SweepExpired(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 1<<20)
	clock := newFakeClock()
	s.now = clock.Now

	_, err := s.Put(context.Background(), "http://pacs.local/short", strings.NewReader("ss"), 2, time.Minute)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "http://pacs.local/long", strings.NewReader("ll"), 2, time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, s.SweepExpired())
	assert.Equal(t, 0, s.SweepExpired(), "a second sweep finds nothing")

	stats := s.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, uint64(0), stats.Evictions, "expiry is not an eviction")

	_, ok := s.Get("http://pacs.local/long", 0)
	assert.True(t, ok)
}

func TestStore_AccountingMatchesEntriesAfterChurn(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 500)
	clock := newFakeClock()
	s.now = clock.Now

	urls := []string{"a", "b", "c", "d", "e", "f", "g"}
	sizes := []int{120, 80, 200, 40, 310, 90, 150}
	for i, u := range urls {
		mustPut(t, s, "http://pacs.local/"+u, strings.Repeat("x", sizes[i]))
		clock.Advance(time.Second)
	}
	s.Invalidate("http://pacs.local/f")

	var sum int64
	for _, e := range s.Entries() {
		sum += e.FileSize
	}
	stats := s.Stats()
	assert.Equal(t, sum, stats.CurrentSizeBytes, "tracked size must equal the sum of entry sizes")
	assert.LessOrEqual(t, stats.CurrentSizeBytes, stats.MaxSizeBytes)
}

func TestStore_RejectsNonPositiveLimits(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), "/cache", 0, time.Hour, discardLogger())
	assert.Error(t, err)

	_, err = New(afero.NewMemMapFs(), "/cache", 100, 0, discardLogger())
	assert.Error(t, err)
}

func assertNoTempFiles(t *testing.T, fs afero.Fs, dir string) {
	t.Helper()
	infos, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, strings.HasPrefix(info.Name(), ".cache-"), "stray temp file %s", info.Name())
		assert.False(t, strings.HasPrefix(info.Name(), ".metadata-"), "stray temp file %s", info.Name())
	}
}
