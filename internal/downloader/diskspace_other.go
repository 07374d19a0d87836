//go:build !linux && !darwin && !windows

package downloader

// checkDiskSpace is a no-op where free space cannot be queried
func checkDiskSpace(path string, minGB int) error {
	return nil
}
