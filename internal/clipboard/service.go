// Package clipboard copies stream URLs to the system clipboard.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/atotto/clipboard"
)

// ErrNoClipboard is returned when neither the clipboard library nor any
// known clipboard tool works
var ErrNoClipboard = errors.New("no clipboard available")

// Service writes text to the system clipboard
type Service struct {
	// command overrides the fallback tool, e.g. "wl-copy" or "xclip -selection clipboard"
	command string
	logger  *slog.Logger

	// swappable in tests
	writeAll   func(string) error
	lookPath   func(string) (string, error)
	isWSLCheck func() bool
}

// NewService creates a clipboard service. command is the configured fallback
// tool and may be empty.
func NewService(command string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		command:    command,
		logger:     logger,
		writeAll:   clipboard.WriteAll,
		lookPath:   exec.LookPath,
		isWSLCheck: isWSL,
	}
}

// Write copies text to the clipboard. The clipboard library is tried first,
// then the configured command, then the platform's usual tools.
func (s *Service) Write(ctx context.Context, text string) error {
	err := s.writeAll(text)
	if err == nil {
		s.logger.Debug("copied to clipboard")
		return nil
	}
	s.logger.Warn("failed to copy to clipboard using primary method", "error", err)

	parts := s.fallbackCommand()
	if len(parts) == 0 {
		return fmt.Errorf("%w: %v", ErrNoClipboard, err)
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = strings.NewReader(text)
	if runErr := cmd.Run(); runErr != nil {
		s.logger.Error("failed to copy to clipboard", "command", parts[0], "error", runErr)
		return fmt.Errorf("clipboard command %s failed: %w", parts[0], runErr)
	}

	s.logger.Debug("copied to clipboard", "command", parts[0], "text_length", len(text))
	return nil
}

// fallbackCommand picks the external tool to pipe text into
func (s *Service) fallbackCommand() []string {
	if s.command != "" {
		return parseCommand(s.command)
	}

	switch runtime.GOOS {
	case "windows":
		return []string{"clip.exe"}
	case "darwin":
		return []string{"pbcopy"}
	case "linux":
		if s.isWSLCheck() {
			return []string{"clip.exe"}
		}
		candidates := [][]string{
			{"wl-copy"},
			{"xclip", "-selection", "clipboard"},
			{"xsel", "--clipboard", "--input"},
		}
		for _, c := range candidates {
			if _, err := s.lookPath(c[0]); err == nil {
				return c
			}
		}
	}
	return nil
}

// parseCommand splits a command string on spaces, respecting quotes
func parseCommand(command string) []string {
	var parts []string
	var current strings.Builder
	var inQuotes bool
	var quoteChar rune

	for _, char := range command {
		switch {
		case char == '\'' || char == '"':
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				inQuotes = false
			} else {
				current.WriteRune(char)
			}
		case char == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// isWSL reports whether we run under the Windows Subsystem for Linux
func isWSL() bool {
	version, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	v := strings.ToLower(string(version))
	return strings.Contains(v, "microsoft") || strings.Contains(v, "wsl")
}
