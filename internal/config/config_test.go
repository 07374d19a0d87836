package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10*time.Second, cfg.Playback.ReportInterval)
	assert.True(t, cfg.Playback.AutoPlay)
	assert.True(t, cfg.Remote.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Remote.KeepAlive)
	assert.Equal(t, 4, cfg.Database.MaxConnections)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "negative report interval",
			mutate:  func(c *Config) { c.Playback.ReportInterval = -time.Second },
			wantErr: "report_interval",
		},
		{
			name:    "negative bitrate",
			mutate:  func(c *Config) { c.Playback.MaxBitrate = -1 },
			wantErr: "max_bitrate",
		},
		{
			name:    "server url without scheme",
			mutate:  func(c *Config) { c.Server.URL = "jellyfin.local:8096" },
			wantErr: "server.url",
		},
		{
			name:   "https server url",
			mutate: func(c *Config) { c.Server.URL = "https://jellyfin.example.com" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveDefaultConfigAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, SaveDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "report_interval")

	cfg, v, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.NotEmpty(t, cfg.Server.DeviceID)
	assert.Equal(t, 10*time.Second, cfg.Playback.ReportInterval)
}

func TestLoad_GeneratesStableDeviceID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)

	first, _, err := Load("")
	require.NoError(t, err)
	second, _, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, first.Server.DeviceID)
	assert.Equal(t, first.Server.DeviceID, second.Server.DeviceID)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("MBPLAY_PLAYBACK_MAX_BITRATE", "8000000")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(8000000), cfg.Playback.MaxBitrate)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}

func TestInitLogger_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mbplay.log")
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger, err := InitLogger(&LoggingConfig{Level: "debug", File: path, Format: "json", MaxSize: 1})
	require.NoError(t, err)

	logger.Debug("hello", "item", "abc")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"item":"abc"`)
}

func TestColoredTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColoredTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h).With("component", "test")
	logger.Warn("careful")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[33m"))
	assert.Contains(t, out, "msg=careful")
	assert.Contains(t, out, "component=test")
}
