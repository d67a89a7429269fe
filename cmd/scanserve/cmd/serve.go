package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/scanserve/scanserve/internal/api"
	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/config"
	"github.com/scanserve/scanserve/internal/downloader"
	"github.com/scanserve/scanserve/internal/fileserver"
	"github.com/scanserve/scanserve/internal/labelfilter"
	"github.com/scanserve/scanserve/internal/pathutil"
	"github.com/scanserve/scanserve/internal/slogutil"
)

const shutdownTimeout = 10 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scanserve HTTP server",
		Long:  `Start the image cache and byte-range file server using configuration from YAML file and environment.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration first (using default logger for config loading errors)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting scanserve",
		"version", Version,
		"output_folder", cfg.Folders.Output,
		"dicom_folder", cfg.Folders.Dicom,
		"log_file", cfg.Log.File,
		"log_level", cfg.Log.Level)

	// The folder roots must exist before anything is served from them.
	for _, root := range []string{cfg.Folders.Output, cfg.Folders.Dicom} {
		info, err := os.Stat(root)
		if err != nil {
			logger.Error("folder root is not accessible", "path", root, "err", err)
			return fmt.Errorf("folder root %s is not accessible: %w", root, err)
		}
		if !info.IsDir() {
			logger.Error("folder root is not a directory", "path", root)
			return fmt.Errorf("folder root %s is not a directory", root)
		}
	}

	cacheDir := cfg.GetCacheDirectory()
	if err := pathutil.CheckDirectoryWritable(cacheDir); err != nil {
		logger.Error("cache directory is not usable", "err", err)
		return err
	}

	configManager := config.NewManager(cfg, configFile)

	fs := afero.NewOsFs()
	store, err := cache.New(fs, cacheDir, cfg.GetMaxCacheSizeBytes(), cfg.GetDefaultTTL(), logger)
	if err != nil {
		logger.Error("failed to initialize cache", "err", err)
		return err
	}

	// Runtime cache-limit updates arrive through the config manager.
	configManager.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Cache.MaxSizeMB != newConfig.Cache.MaxSizeMB ||
			oldConfig.Cache.DefaultTTLHours != newConfig.Cache.DefaultTTLHours {
			store.SetLimits(newConfig.GetMaxCacheSizeBytes(), newConfig.GetDefaultTTL())
		}
	})

	janitor := cache.NewJanitor(store, cfg.GetSweepInterval(), logger)
	if err := janitor.Start(); err != nil {
		logger.Error("failed to start cache janitor", "err", err)
		return err
	}

	dl := downloader.New(store, nil, logger)

	filter, err := labelfilter.New(fs, "", logger)
	if err != nil {
		logger.Error("failed to initialize label filter", "err", err)
		return err
	}

	folders, err := config.LoadViewableFolders(cfg.GetViewableFoldersPath(), cfg)
	if err != nil {
		logger.Error("failed to load viewable folders", "err", err)
		return err
	}
	for _, f := range folders {
		logger.Info("viewable folder", "name", f.Name, "path", f.Path, "url_path", "/"+f.URLPrefix)
	}

	resolver := fileserver.NewResolver(folders, cfg.Folders.Output)

	app := api.NewApp(logger)
	apiServer := api.NewServer(&api.Config{
		Version:    Version,
		CacheDir:   cacheDir,
		OutputRoot: cfg.Folders.Output,
	}, store, dl, filter, resolver, configManager, logger)
	apiServer.RegisterRoutes(app)

	addr := cfg.GetBindAddr()
	logger.Info("listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
			janitor.Stop()
			store.Flush()
			return err
		}
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("server shutdown did not finish cleanly", "err", err)
	}

	janitor.Stop()
	store.Flush()

	logger.Info("scanserve stopped")
	return nil
}
