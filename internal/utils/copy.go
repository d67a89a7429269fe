package utils

import (
	"context"
	"io"
)

// ChunkSize is the buffer size used for streaming copies. Volumes are
// moved in fixed 8 KiB chunks so a client disconnect or context cancel
// is noticed promptly even mid-file.
const ChunkSize = 8 * 1024

// CopyWithCtx copies src to dst in ChunkSize chunks, checking the context
// between chunks.
func CopyWithCtx(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)

	var totalBytes int64
	for {
		select {
		case <-ctx.Done():
			return totalBytes, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			totalBytes += int64(written)
			if writeErr != nil {
				return totalBytes, writeErr
			}
			if written < n {
				return totalBytes, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return totalBytes, nil
			}
			return totalBytes, readErr
		}
	}
}
