package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/scanserve/scanserve/internal/cache"
	"github.com/scanserve/scanserve/internal/downloader"
	"github.com/scanserve/scanserve/internal/fileserver"
	"github.com/scanserve/scanserve/internal/labelfilter"
	"github.com/scanserve/scanserve/internal/utils"
)

// Standard error codes
const (
	ErrCodeInternalServer      = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	ErrCodeDownloadFailed      = "DOWNLOAD_FAILED"
	ErrCodeCacheFull           = "CACHE_FULL"
	ErrCodeProcessing          = "PROCESSING_ERROR"
	ErrCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
)

// errorHandler translates the typed errors internal components return
// into the structured response envelope. It is installed as the fiber
// ErrorHandler, so handlers simply return errors.
func errorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		switch {
		case errors.Is(err, fileserver.ErrNotFound):
			return RespondNotFound(c, "file", err.Error())
		case errors.Is(err, fileserver.ErrAccessDenied):
			return RespondForbidden(c, "path is outside the viewable folders", err.Error())
		case errors.Is(err, utils.ErrRangeNotSatisfiable):
			return RespondError(c, fiber.StatusRequestedRangeNotSatisfiable,
				ErrCodeRangeNotSatisfiable, "requested range not satisfiable", err.Error())
		case errors.Is(err, downloader.ErrDownloadFailed):
			logger.Error("download failed", "path", c.Path(), "err", err)
			return RespondError(c, fiber.StatusBadGateway,
				ErrCodeDownloadFailed, "failed to download from origin", err.Error())
		case errors.Is(err, cache.ErrCacheFull):
			return RespondError(c, fiber.StatusInsufficientStorage,
				ErrCodeCacheFull, "cache capacity exceeded", err.Error())
		case errors.Is(err, labelfilter.ErrProcessing):
			logger.Error("volume processing failed", "path", c.Path(), "err", err)
			return RespondError(c, fiber.StatusInternalServerError,
				ErrCodeProcessing, "volume processing failed", err.Error())
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return RespondError(c, fe.Code, codeForStatus(fe.Code), fe.Message, "")
		}

		logger.Error("unhandled request error", "path", c.Path(), "method", c.Method(), "err", err)
		return RespondInternalError(c, "an unexpected error occurred", "")
	}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return ErrCodeBadRequest
	case fiber.StatusNotFound:
		return ErrCodeNotFound
	case fiber.StatusForbidden:
		return ErrCodeForbidden
	case fiber.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	default:
		return ErrCodeInternalServer
	}
}
