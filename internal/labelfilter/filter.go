// Package labelfilter produces label-restricted copies of NIfTI
// segmentation volumes and lists the labels a volume contains.
package labelfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	concpool "github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/scanserve/scanserve/internal/nifti"
)

// ErrProcessing means a volume could not be read, parsed, or rewritten.
var ErrProcessing = errors.New("volume processing failed")

const (
	// Chunks below this many voxels are not worth a goroutine.
	minChunkVoxels = 1 << 16

	labelCacheSize = 128
)

type Filter struct {
	fs      afero.Fs
	tempDir string
	workers int
	labels  *lru.Cache[string, []LabelInfo]
	logger  *slog.Logger
}

// New builds a Filter writing its output under tempDir. An empty tempDir
// falls back to the system temp directory.
func New(fs afero.Fs, tempDir string, logger *slog.Logger) (*Filter, error) {
	labels, err := lru.New[string, []LabelInfo](labelCacheSize)
	if err != nil {
		return nil, err
	}

	return &Filter{
		fs:      fs,
		tempDir: tempDir,
		workers: runtime.NumCPU(),
		labels:  labels,
		logger:  logger,
	}, nil
}

// Apply rewrites the volume at srcPath keeping only the voxels whose label
// is in labelIDs; every other voxel becomes zero, the background value.
// The result lands in a temp file owned by the caller, who removes it
// after use.
func (f *Filter) Apply(ctx context.Context, srcPath string, labelIDs []int64) (string, error) {
	vol, compressed, err := f.load(srcPath)
	if err != nil {
		return "", err
	}

	keep := make(map[int64]struct{}, len(labelIDs))
	for _, id := range labelIDs {
		keep[id] = struct{}{}
	}

	start := time.Now()
	if err := f.mask(ctx, vol, keep); err != nil {
		return "", err
	}

	out, err := f.writeTemp(srcPath, vol, compressed)
	if err != nil {
		return "", err
	}

	f.logger.Debug("volume filtered",
		"source", srcPath,
		"labels", labelIDs,
		"voxels", vol.VoxelCount(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func (f *Filter) load(path string) (*nifti.Volume, bool, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open %s: %w", ErrProcessing, path, err)
	}
	defer file.Close()

	var r io.Reader = file
	compressed := strings.HasSuffix(path, ".gz")
	if compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %s: %w", ErrProcessing, path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := nifti.Decode(r)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrProcessing, path, err)
	}
	return vol, compressed, nil
}

// mask zeroes every voxel whose label is not in keep. The voxel block is
// split into disjoint ranges, one goroutine each.
func (f *Filter) mask(ctx context.Context, vol *nifti.Volume, keep map[int64]struct{}) error {
	total := vol.VoxelCount()
	chunk := (total + int64(f.workers) - 1) / int64(f.workers)
	if chunk < minChunkVoxels {
		chunk = minChunkVoxels
	}

	pl := concpool.New().WithMaxGoroutines(f.workers).WithContext(ctx)
	for lo := int64(0); lo < total; lo += chunk {
		lo, hi := lo, min(lo+chunk, total)
		pl.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				if _, ok := keep[vol.LabelAt(i)]; !ok {
					vol.ZeroAt(i)
				}
			}
			return nil
		})
	}
	return pl.Wait()
}

func (f *Filter) writeTemp(srcPath string, vol *nifti.Volume, compressed bool) (string, error) {
	tmp, err := afero.TempFile(f.fs, f.tempDir, "filtered-*"+fileExt(srcPath))
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", ErrProcessing, err)
	}

	err = encode(tmp, vol, compressed)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = f.fs.Remove(tmp.Name())
		return "", fmt.Errorf("%w: write filtered volume: %w", ErrProcessing, err)
	}
	return tmp.Name(), nil
}

func encode(w io.Writer, vol *nifti.Volume, compressed bool) error {
	if !compressed {
		return vol.Encode(w)
	}
	gz := gzip.NewWriter(w)
	if err := vol.Encode(gz); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}

// fileExt keeps double extensions like .nii.gz intact.
func fileExt(p string) string {
	base := filepath.Base(p)
	if i := strings.Index(base, "."); i >= 0 {
		return base[i:]
	}
	return ""
}
