package clipboard

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
	}{
		{"single", "wl-copy", []string{"wl-copy"}},
		{"args", "xclip -selection clipboard", []string{"xclip", "-selection", "clipboard"}},
		{"quoted", `sh -c "cat > /tmp/out"`, []string{"sh", "-c", "cat > /tmp/out"}},
		{"mixed quotes", `echo 'say "hi"'`, []string{"echo", `say "hi"`}},
		{"extra spaces", "  pbcopy  ", []string{"pbcopy"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCommand(tt.command))
		})
	}
}

func TestService_WritePrimary(t *testing.T) {
	s := NewService("", nil)
	var got string
	s.writeAll = func(text string) error {
		got = text
		return nil
	}

	require.NoError(t, s.Write(context.Background(), "http://server/stream.mkv"))
	assert.Equal(t, "http://server/stream.mkv", got)
}

func TestService_WriteFallsBackToCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out := t.TempDir() + "/clip"
	s := NewService(`sh -c "cat > `+out+`"`, nil)
	s.writeAll = func(string) error { return errors.New("no display") }

	require.NoError(t, s.Write(context.Background(), "copied"))
	assert.FileExists(t, out)
}

func TestService_NoClipboard(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("tool lookup only happens on linux")
	}
	s := NewService("", nil)
	s.writeAll = func(string) error { return errors.New("no display") }
	s.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	s.isWSLCheck = func() bool { return false }

	err := s.Write(context.Background(), "text")
	assert.ErrorIs(t, err, ErrNoClipboard)
}
