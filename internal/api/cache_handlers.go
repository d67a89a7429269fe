package api

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/fileserver"
	"github.com/scanserve/scanserve/internal/utils"
)

// handleCached fetches a remote URL through the cache and streams the
// resulting file range-aware, exactly like a plain allow-listed file.
func (s *Server) handleCached(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return RespondValidationError(c, "url query parameter is required", "")
	}

	ttl, err := ttlFromQuery(c)
	if err != nil {
		return RespondValidationError(c, "invalid ttl_hours", err.Error())
	}

	path, err := s.downloader.Fetch(c.Context(), rawURL, ttl)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat cached file %s: %w", path, err)
	}

	return fileserver.ServeFile(c, path, info.Size())
}

// handleFetch ensures a URL is cached and answers with the entry
// descriptor instead of the bytes.
func (s *Server) handleFetch(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		return RespondValidationError(c, "url query parameter is required", "")
	}

	ttl, err := ttlFromQuery(c)
	if err != nil {
		return RespondValidationError(c, "invalid ttl_hours", err.Error())
	}

	if _, err := s.downloader.Fetch(c.Context(), rawURL, ttl); err != nil {
		return err
	}

	entry, ok := s.store.Entry(rawURL)
	if !ok {
		// The entry vanished between the fetch and the lookup; only
		// possible under concurrent invalidate/clear.
		return RespondNotFound(c, "cache entry", rawURL)
	}
	return RespondSuccess(c, entry)
}

type cacheStatsResponse struct {
	cache.Stats
	Disk *utils.DiskSpace `json:"disk,omitempty"`
}

func (s *Server) handleCacheStats(c *fiber.Ctx) error {
	resp := cacheStatsResponse{Stats: s.store.Stats()}
	if s.config.CacheDir != "" {
		if disk, err := utils.GetDiskSpace(s.config.CacheDir); err == nil {
			resp.Disk = &disk
		}
	}
	return RespondSuccess(c, resp)
}

func (s *Server) handleCacheEntries(c *fiber.Ctx) error {
	return RespondSuccess(c, s.store.Entries())
}

type invalidateRequest struct {
	URL string `json:"url"`
}

// handleCacheInvalidate drops one entry. The URL comes from the query
// string or a JSON body; invalidating an unknown URL is a no-op.
func (s *Server) handleCacheInvalidate(c *fiber.Ctx) error {
	rawURL := c.Query("url")
	if rawURL == "" {
		var req invalidateRequest
		if err := c.BodyParser(&req); err == nil {
			rawURL = req.URL
		}
	}
	if rawURL == "" {
		return RespondValidationError(c, "url is required (query parameter or JSON body)", "")
	}

	s.store.Invalidate(rawURL)
	return RespondMessage(c, "cache entry invalidated")
}

func (s *Server) handleCacheClear(c *fiber.Ctx) error {
	s.store.Clear()
	s.logger.Info("cache cleared via API", "request_id", c.Locals("request_id"))
	return RespondMessage(c, "cache cleared")
}

type cacheConfigRequest struct {
	MaxSizeMB       *int64 `json:"max_size_mb"`
	DefaultTTLHours *int   `json:"default_ttl_hours"`
}

type cacheConfigResponse struct {
	MaxSizeMB       int64 `json:"max_size_mb"`
	DefaultTTLHours int   `json:"default_ttl_hours"`
}

// handleCacheConfig adjusts the cache limits at runtime. The update goes
// through the config manager, whose change callbacks apply the new limits
// to the store, and is persisted to the config file.
func (s *Server) handleCacheConfig(c *fiber.Ctx) error {
	var req cacheConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return RespondBadRequest(c, "invalid JSON body", err.Error())
	}
	if req.MaxSizeMB == nil && req.DefaultTTLHours == nil {
		return RespondValidationError(c, "nothing to update", "provide max_size_mb and/or default_ttl_hours")
	}

	newCfg := s.configManager.GetConfig().DeepCopy()
	if req.MaxSizeMB != nil {
		if *req.MaxSizeMB <= 0 {
			return RespondValidationError(c, "max_size_mb must be positive", "")
		}
		newCfg.Cache.MaxSizeMB = *req.MaxSizeMB
	}
	if req.DefaultTTLHours != nil {
		if *req.DefaultTTLHours <= 0 {
			return RespondValidationError(c, "default_ttl_hours must be positive", "")
		}
		newCfg.Cache.DefaultTTLHours = *req.DefaultTTLHours
	}

	if err := s.configManager.ValidateConfigUpdate(newCfg); err != nil {
		return RespondValidationError(c, "invalid cache configuration", err.Error())
	}
	if err := s.configManager.UpdateConfig(newCfg); err != nil {
		return fmt.Errorf("failed to update configuration: %w", err)
	}
	if err := s.configManager.SaveConfig(); err != nil {
		s.logger.Warn("failed to persist updated configuration", "err", err)
	}

	return RespondSuccess(c, cacheConfigResponse{
		MaxSizeMB:       newCfg.Cache.MaxSizeMB,
		DefaultTTLHours: newCfg.Cache.DefaultTTLHours,
	})
}

// ttlFromQuery reads the optional ttl_hours override. Zero means "use
// the entry or cache default".
func ttlFromQuery(c *fiber.Ctx) (time.Duration, error) {
	raw := c.Query("ttl_hours")
	if raw == "" {
		return 0, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, fmt.Errorf("ttl_hours must be a positive integer, got %q", raw)
	}
	return time.Duration(hours) * time.Hour, nil
}
