package utils

import (
	"golang.org/x/sys/unix"
)

// DiskSpace holds disk usage for the filesystem backing the cache
// directory; surfaced through the cache stats endpoint so operators can
// tell cache pressure from disk pressure.
type DiskSpace struct {
	Total int64 `json:"total_bytes"`
	Free  int64 `json:"free_bytes"`
	Used  int64 `json:"used_bytes"`
}

// GetDiskSpace returns disk space information for the given path
func GetDiskSpace(path string) (DiskSpace, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskSpace{}, err
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bfree) * int64(stat.Bsize)

	return DiskSpace{
		Total: total,
		Free:  free,
		Used:  total - free,
	}, nil
}
