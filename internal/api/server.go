// Package api is the HTTP surface of scanserve: range-aware file
// serving over the viewable-folder allow-list, fetch-through-cache
// routes, label filtering, and the cache administration endpoints.
package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/config"
	"github.com/scanserve/scanserve/internal/downloader"
	"github.com/scanserve/scanserve/internal/fileserver"
	"github.com/scanserve/scanserve/internal/labelfilter"
)

// ConfigManager is the slice of config.Manager the API needs for the
// runtime cache-configuration endpoint.
type ConfigManager interface {
	GetConfig() *config.Config
	ValidateConfigUpdate(*config.Config) error
	UpdateConfig(*config.Config) error
	SaveConfig() error
}

// Config represents API server configuration
type Config struct {
	// Version is reported by the health endpoint.
	Version string
	// CacheDir backs the disk-space figures in the stats endpoint.
	CacheDir string
	// OutputRoot anchors the label-filtering routes.
	OutputRoot string
}

// Server holds the handler dependencies. Everything is injected; the
// package keeps no global state.
type Server struct {
	config        *Config
	store         *cache.Store
	downloader    *downloader.Downloader
	filter        *labelfilter.Filter
	resolver      *fileserver.Resolver
	configManager ConfigManager
	logger        *slog.Logger
	startTime     time.Time
}

// NewServer creates the API server over its collaborators.
func NewServer(
	cfg *Config,
	store *cache.Store,
	dl *downloader.Downloader,
	filter *labelfilter.Filter,
	resolver *fileserver.Resolver,
	configManager ConfigManager,
	logger *slog.Logger,
) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Server{
		config:        cfg,
		store:         store,
		downloader:    dl,
		filter:        filter,
		resolver:      resolver,
		configManager: configManager,
		logger:        logger,
		startTime:     time.Now(),
	}
}

// NewApp creates the fiber application with the error handler and the
// shared middleware stack. CORS is wide open on purpose: in-browser
// volume viewers issue cross-origin range requests against this server.
func NewApp(logger *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,HEAD,POST,PUT,OPTIONS",
		AllowHeaders:  "Range, Content-Type",
		ExposeHeaders: "Content-Range, Accept-Ranges, Content-Length, X-Request-ID",
	}))
	// The cors middleware only answers requests carrying an Origin header;
	// plain requests from scripts and native viewers get the header too.
	app.Use(func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		return c.Next()
	})
	app.Use(RequestID())
	app.Use(RequestLogger(logger))

	return app
}

// RegisterRoutes wires every route onto app. The catch-all file handler
// goes last so the specific routes win.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Get("/health", s.handleHealth)

	// Get registers HEAD alongside GET, which ServeFile answers with
	// headers only.
	app.Get("/cached", s.handleCached)

	app.Get("/filtered-scans/:patientId/voxels/:filename", s.handleFilteredVoxels)
	app.Get("/filtered-scans/:patientId/:filename", s.handleFilteredScan)
	app.Get("/output/:patientId/voxels/:filename/labels", s.handleListLabels)

	grp := app.Group("/api")
	grp.Get("/cache/stats", s.handleCacheStats)
	grp.Get("/cache/entries", s.handleCacheEntries)
	grp.Post("/cache/invalidate", s.handleCacheInvalidate)
	grp.Post("/cache/clear", s.handleCacheClear)
	grp.Put("/cache/config", s.handleCacheConfig)
	grp.Get("/folders", s.handleFolders)
	grp.Get("/fetch", s.handleFetch)

	app.Get("/*", s.handleFile)
}
