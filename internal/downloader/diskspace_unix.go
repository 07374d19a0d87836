//go:build linux || darwin

package downloader

import (
	"fmt"
	"syscall"
)

// checkDiskSpace fails when the filesystem holding path has less than minGB free
func checkDiskSpace(path string, minGB int) error {
	if path == "" || minGB <= 0 {
		return nil
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	freeSpaceGB := (uint64(stat.Bavail) * uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	if freeSpaceGB < uint64(minGB) {
		return fmt.Errorf("%d GB free, %d GB required", freeSpaceGB, minGB)
	}
	return nil
}
