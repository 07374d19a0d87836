package mpv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Platform is the OS flavour mpv runs on
type Platform int

const (
	PlatformLinux Platform = iota
	PlatformWindows
	PlatformWSL
	PlatformMac
)

func (p Platform) String() string {
	switch p {
	case PlatformWindows:
		return "windows"
	case PlatformWSL:
		return "wsl"
	case PlatformMac:
		return "darwin"
	default:
		return "linux"
	}
}

// IPCType represents the IPC connection type
type IPCType int

const (
	IPCUnixSocket IPCType = iota
	IPCNamedPipe
	IPCTCP
)

// IPCConfig is where mpv listens for JSON IPC
type IPCConfig struct {
	Type    IPCType
	Address string
	// IsSocket marks a unix socket file that must be removed afterwards
	IsSocket bool
}

// DetectPlatform detects the current platform
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "darwin":
		return PlatformMac
	case "linux":
		if isWSL() {
			return PlatformWSL
		}
	}
	return PlatformLinux
}

// isWSL looks for the Microsoft marker in /proc/version
func isWSL() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "microsoft") || strings.Contains(version, "wsl")
}

// GetMPVExecutable returns the mpv executable name for the platform.
// WSL uses the Linux build: gopv cannot reach Windows named pipes from WSL.
func GetMPVExecutable(platform Platform) string {
	if platform == PlatformWindows {
		return "mpv.exe"
	}
	return "mpv"
}

// FindMPVExecutable resolves the mpv binary in PATH
func FindMPVExecutable(platform Platform) (string, error) {
	executable := GetMPVExecutable(platform)
	path, err := exec.LookPath(executable)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH, please install mpv", executable)
	}
	return path, nil
}

// GetIPCConfig picks a fresh IPC endpoint for the platform
func GetIPCConfig(platform Platform) (*IPCConfig, error) {
	name := "mbplay-mpv-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]

	switch platform {
	case PlatformLinux, PlatformMac, PlatformWSL:
		return &IPCConfig{
			Type:     IPCUnixSocket,
			Address:  filepath.Join(os.TempDir(), name+".sock"),
			IsSocket: true,
		}, nil
	case PlatformWindows:
		return &IPCConfig{
			Type:    IPCNamedPipe,
			Address: `\\.\pipe\` + name,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported platform %v", platform)
	}
}

// GetMPVIPCArgument returns the mpv command-line argument for IPC
func GetMPVIPCArgument(config *IPCConfig) string {
	return "--input-ipc-server=" + config.Address
}

// GetGopvConnectionString returns the address in the form gopv.Connect expects
func GetGopvConnectionString(config *IPCConfig) string {
	if config.Type == IPCTCP {
		return "tcp://" + config.Address
	}
	return config.Address
}
