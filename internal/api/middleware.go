package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderRequestID carries the per-request id assigned by RequestID.
const HeaderRequestID = "X-Request-ID"

// RequestID assigns every request a UUID, echoed in the response headers
// and stored in locals for the logging middleware. An id supplied by the
// client is kept, so a dashboard page can correlate its own calls.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}

// RequestLogger logs one line per request with method, path, status,
// duration, and response size.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		logger.Debug("request",
			"request_id", c.Locals("request_id"),
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start).Round(time.Microsecond),
			"bytes", c.Response().Header.ContentLength(),
			"remote_addr", c.IP(),
		)
		return err
	}
}
