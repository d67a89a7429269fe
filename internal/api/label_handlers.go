package api

import (
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/gofiber/fiber/v2"

	"github.com/scanserve/scanserve/internal/fileserver"
	"github.com/scanserve/scanserve/internal/labelfilter"
)

// handleFilteredScan serves a label-filtered copy of a patient's
// segmentation volume: <output>/<patientId>/<filename>.
func (s *Server) handleFilteredScan(c *fiber.Ctx) error {
	return s.serveFiltered(c, c.Params("patientId"), c.Params("filename"))
}

// handleFilteredVoxels is the voxel-volume variant:
// <output>/<patientId>/voxels/<filename>.
func (s *Server) handleFilteredVoxels(c *fiber.Ctx) error {
	return s.serveFiltered(c, c.Params("patientId"), "voxels", c.Params("filename"))
}

func (s *Server) serveFiltered(c *fiber.Ctx, segments ...string) error {
	ids, err := labelfilter.ParseLabelIDs(c.Query("label_ids"))
	if err != nil {
		return RespondValidationError(c, "invalid label_ids", err.Error())
	}

	res, err := fileserver.ResolveUnder(s.config.OutputRoot, segments...)
	if err != nil {
		return err
	}
	if res.Info.IsDir() {
		return RespondValidationError(c, "path is a directory, not a volume", res.Path)
	}

	tmpPath, err := s.filter.Apply(c.Context(), res.Path, ids)
	if err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to open filtered volume: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to stat filtered volume: %w", err)
	}

	filename := segments[len(segments)-1]
	ct := mime.TypeByExtension(filepath.Ext(filename))
	if ct == "" {
		ct = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, ct)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "filtered_"+filename))

	// The stream closer removes the temp file once the response is
	// written, including when the client disconnects mid-stream.
	c.Context().Response.SetBodyStream(&tempFileStream{file: f, logger: s.logger}, int(info.Size()))
	return nil
}

// handleListLabels enumerates the non-zero labels present in
// <output>/<patientId>/voxels/<filename>.
func (s *Server) handleListLabels(c *fiber.Ctx) error {
	res, err := fileserver.ResolveUnder(s.config.OutputRoot,
		c.Params("patientId"), "voxels", c.Params("filename"))
	if err != nil {
		return err
	}
	if res.Info.IsDir() {
		return RespondValidationError(c, "path is a directory, not a volume", res.Path)
	}

	labels, err := s.filter.Labels(res.Path)
	if err != nil {
		return err
	}
	return RespondSuccess(c, labels)
}

// tempFileStream streams a single-use temp file and deletes it on close.
type tempFileStream struct {
	file   *os.File
	logger *slog.Logger
}

func (t *tempFileStream) Read(p []byte) (int, error) {
	return t.file.Read(p)
}

func (t *tempFileStream) Close() error {
	err := t.file.Close()
	if rmErr := os.Remove(t.file.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
		t.logger.Warn("failed to remove filtered temp file", "path", t.file.Name(), "err", rmErr)
	}
	return err
}
