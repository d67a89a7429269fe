package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanserve/scanserve/internal/fileserver"
)

// handleHealth is the liveness probe.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"version":        s.config.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleFile serves any path under the viewable folders: directories get
// an HTML listing, files stream range-aware.
func (s *Server) handleFile(c *fiber.Ctx) error {
	urlPath := c.Path()

	res, err := s.resolver.Resolve(urlPath)
	if err != nil {
		return err
	}

	if res.Info.IsDir() {
		html, err := fileserver.Listing(res.Path, urlPath)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(html)
	}

	return fileserver.ServeFile(c, res.Path, res.Info.Size())
}

// handleFolders reports the allow-list so the dashboard can build its
// navigation.
func (s *Server) handleFolders(c *fiber.Ctx) error {
	return RespondSuccess(c, s.resolver.Folders())
}
