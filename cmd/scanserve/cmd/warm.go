package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	concpool "github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/config"
	"github.com/scanserve/scanserve/internal/downloader"
	"github.com/scanserve/scanserve/internal/pathutil"
	"github.com/scanserve/scanserve/internal/slogutil"
)

var (
	warmConcurrency int
	warmAttempts    uint
	warmTTLHours    int
)

func init() {
	warmCmd := &cobra.Command{
		Use:   "warm URL...",
		Short: "Pre-fetch remote images into the local cache",
		Long: `Download the given URLs into the cache so the dashboard's first
request finds them locally. The downloader itself never retries; this
command is the caller-side retry policy.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runWarm,
	}

	warmCmd.Flags().IntVar(&warmConcurrency, "concurrency", 2, "parallel downloads")
	warmCmd.Flags().UintVar(&warmAttempts, "attempts", 3, "attempts per URL before giving up")
	warmCmd.Flags().IntVar(&warmTTLHours, "ttl-hours", 0, "TTL override in hours (0 = cache default)")

	rootCmd.AddCommand(warmCmd)
}

func runWarm(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	cacheDir := cfg.GetCacheDirectory()
	if err := pathutil.CheckDirectoryWritable(cacheDir); err != nil {
		logger.Error("cache directory is not usable", "err", err)
		return err
	}

	store, err := cache.New(afero.NewOsFs(), cacheDir, cfg.GetMaxCacheSizeBytes(), cfg.GetDefaultTTL(), logger)
	if err != nil {
		logger.Error("failed to initialize cache", "err", err)
		return err
	}
	defer store.Flush()

	dl := downloader.New(store, nil, logger)

	ttl := time.Duration(warmTTLHours) * time.Hour

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	p := concpool.New().WithMaxGoroutines(warmConcurrency).WithContext(ctx)
	for _, rawURL := range args {
		rawURL := rawURL
		p.Go(func(ctx context.Context) error {
			err := retry.Do(
				func() error {
					_, err := dl.Fetch(ctx, rawURL, ttl)
					return err
				},
				retry.Context(ctx),
				retry.Attempts(warmAttempts),
				retry.Delay(time.Second),
				retry.DelayType(retry.BackOffDelay),
				// A full cache will not fix itself between attempts.
				retry.RetryIf(func(err error) bool {
					return !errors.Is(err, cache.ErrCacheFull)
				}),
				retry.OnRetry(func(n uint, err error) {
					logger.Warn("retrying download", "url", rawURL, "attempt", n+1, "err", err)
				}),
			)
			if err != nil {
				logger.Error("failed to warm", "url", rawURL, "err", err)
				return fmt.Errorf("%s: %w", rawURL, err)
			}
			logger.Info("warmed", "url", rawURL)
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return fmt.Errorf("cache warm finished with failures: %w", err)
	}

	logger.Info("cache warm complete",
		"urls", len(args),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
