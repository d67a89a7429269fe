// Package downloader fetches remote images into the local cache. Concurrent
// requests for the same URL are collapsed into a single origin download.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/httpclient"
	"github.com/scanserve/scanserve/internal/utils"
)

// ErrDownloadFailed means the origin could not be reached, answered with a
// non-200 status, or the body transfer broke mid-stream.
var ErrDownloadFailed = errors.New("download failed")

type Downloader struct {
	store  *cache.Store
	client *http.Client
	group  singleflight.Group
	logger *slog.Logger
}

// New builds a Downloader over store. A nil client falls back to the
// download-tuned HTTP client with no overall timeout.
func New(store *cache.Store, client *http.Client, logger *slog.Logger) *Downloader {
	if client == nil {
		client = httpclient.NewDownload()
	}
	return &Downloader{
		store:  store,
		client: client,
		logger: logger,
	}
}

// Fetch returns a local file path holding the content of url, downloading
// and caching it on a miss. A positive ttl overrides the cache default for
// both the freshness check and the stored entry. Failed downloads are not
// retried here; retry policy belongs to the caller.
func (d *Downloader) Fetch(ctx context.Context, url string, ttl time.Duration) (string, error) {
	if path, ok := d.store.Get(url, ttl); ok {
		return path, nil
	}

	v, err, shared := d.group.Do(url, func() (interface{}, error) {
		// Another caller may have finished the download while this one
		// waited for the flight slot. Peek keeps the double-check out of
		// the hit/miss counters; only the caller-facing lookup counts.
		if path, ok := d.store.Peek(url, ttl); ok {
			return path, nil
		}
		return d.download(ctx, url, ttl)
	})
	if err != nil {
		return "", err
	}
	if shared {
		d.logger.Debug("download shared with concurrent requests", "url", url)
	}
	return v.(string), nil
}

func (d *Downloader) download(ctx context.Context, rawURL string, ttl time.Duration) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: invalid url %q: %w", ErrDownloadFailed, rawURL, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s answered status %d", ErrDownloadFailed, rawURL, resp.StatusCode)
	}

	start := time.Now()
	path, err := d.store.Put(ctx, rawURL, resp.Body, resp.ContentLength, ttl)
	if err != nil {
		if errors.Is(err, cache.ErrCacheFull) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, rawURL, err)
	}

	size := "unknown"
	if resp.ContentLength >= 0 {
		size = utils.FormatBytes(resp.ContentLength)
	}
	d.logger.Info("image downloaded",
		"url", rawURL,
		"size", size,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return path, nil
}
