package fileserver

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v2"

	"github.com/scanserve/scanserve/internal/utils"
)

// ServeFile streams the file at path (size bytes long), honoring a Range
// header when present and omitting the body on HEAD requests. Range
// violations surface utils.ErrRangeNotSatisfiable for the HTTP boundary to
// translate.
func ServeFile(c *fiber.Ctx, path string, size int64) error {
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, detectContentType(path))

	var (
		start  int64
		length = size
		status = fiber.StatusOK
	)

	if header := c.Get(fiber.HeaderRange); header != "" {
		rng, err := utils.ParseRange(header, size)
		if err != nil {
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
			return err
		}
		start, length = rng.Start, rng.Length()
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, rng.ContentRange(size))
	}

	c.Status(status)

	if c.Method() == fiber.MethodHead {
		c.Context().Response.Header.SetContentLength(int(length))
		c.Context().Response.SkipBody = true
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	if start == 0 && length == size {
		return c.SendStream(f, int(size))
	}

	section := io.NewSectionReader(f, start, length)
	c.Context().Response.SetBodyStream(&rangeStream{Reader: section, file: f}, int(length))
	return nil
}

// rangeStream couples a section reader with its file handle so the server
// closes the file once the response is written.
type rangeStream struct {
	io.Reader
	file *os.File
}

func (s *rangeStream) Close() error {
	return s.file.Close()
}

func detectContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return fiber.MIMEOctetStream
}
