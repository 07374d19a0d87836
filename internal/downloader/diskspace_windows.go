//go:build windows

package downloader

import (
	"fmt"
	"syscall"
	"unsafe"
)

// checkDiskSpace fails when the volume holding path has less than minGB free
func checkDiskSpace(path string, minGB int) error {
	if path == "" || minGB <= 0 {
		return nil
	}

	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpaceEx := kernel32.NewProc("GetDiskFreeSpaceExW")

	var freeBytes, totalBytes, availBytes uint64

	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return fmt.Errorf("failed to convert path: %w", err)
	}

	ret, _, err := getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeBytes)),
		uintptr(unsafe.Pointer(&totalBytes)),
		uintptr(unsafe.Pointer(&availBytes)),
	)
	if ret == 0 {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	freeSpaceGB := availBytes / (1024 * 1024 * 1024)
	if freeSpaceGB < uint64(minGB) {
		return fmt.Errorf("%d GB free, %d GB required", freeSpaceGB, minGB)
	}
	return nil
}
