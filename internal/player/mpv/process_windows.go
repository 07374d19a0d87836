//go:build windows

package mpv

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts mpv in its own process group so Ctrl+C in the
// CLI's console reaches mbplay, which then closes the session cleanly.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
