package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "mbplay"

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Player    PlayerConfig    `mapstructure:"player" yaml:"player"`
	Playback  PlaybackConfig  `mapstructure:"playback" yaml:"playback"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Advanced  AdvancedConfig  `mapstructure:"advanced" yaml:"advanced"`
}

// ServerConfig describes the media server and how this client identifies itself
type ServerConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Username   string        `mapstructure:"username" yaml:"username"`
	DeviceName string        `mapstructure:"device_name" yaml:"device_name"`
	DeviceID   string        `mapstructure:"device_id" yaml:"device_id"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PlayerConfig holds mpv settings
type PlayerConfig struct {
	LoadUserConfig bool     `mapstructure:"load_user_config" yaml:"load_user_config"`
	ExtraArgs      []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// PlaybackConfig holds playback session settings
type PlaybackConfig struct {
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval"`
	MaxBitrate     int64         `mapstructure:"max_bitrate" yaml:"max_bitrate"` // bits per second, 0 = server default
	AutoPlay       bool          `mapstructure:"auto_play" yaml:"auto_play"`
}

// RemoteConfig controls the remote-control socket
type RemoteConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
}

// DownloadsConfig holds download settings
type DownloadsConfig struct {
	Path         string `mapstructure:"path" yaml:"path"`
	MinFreeSpace int    `mapstructure:"min_free_space" yaml:"min_free_space"` // GB

	// FilenameTemplate accepts {title} {series} {year} {season} {episode},
	// numbers optionally padded as {episode:02d}
	FilenameTemplate        string `mapstructure:"filename_template" yaml:"filename_template"`
	EpisodeFilenameTemplate string `mapstructure:"episode_filename_template" yaml:"episode_filename_template"`
}

// DatabaseConfig holds sqlite settings
type DatabaseConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	WALMode        bool   `mapstructure:"wal_mode" yaml:"wal_mode"`
	AutoVacuum     bool   `mapstructure:"auto_vacuum" yaml:"auto_vacuum"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	Format     string `mapstructure:"format" yaml:"format"` // text or json
	Color      bool   `mapstructure:"color" yaml:"color"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the prometheus listener
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AdvancedConfig holds rarely changed settings
type AdvancedConfig struct {
	Debug     bool            `mapstructure:"debug" yaml:"debug"`
	Clipboard ClipboardConfig `mapstructure:"clipboard" yaml:"clipboard"`
}

// ClipboardConfig allows overriding the clipboard command
type ClipboardConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.username", "")
	v.SetDefault("server.device_name", defaultDeviceName())
	v.SetDefault("server.device_id", "")
	v.SetDefault("server.timeout", 30*time.Second)

	v.SetDefault("player.load_user_config", false)
	v.SetDefault("player.extra_args", []string{})

	v.SetDefault("playback.report_interval", 10*time.Second)
	v.SetDefault("playback.max_bitrate", 0)
	v.SetDefault("playback.auto_play", true)

	v.SetDefault("remote.enabled", true)
	v.SetDefault("remote.keep_alive", 30*time.Second)

	v.SetDefault("downloads.path", filepath.Join(homeDir(), "Videos", appName))
	v.SetDefault("downloads.min_free_space", 1)
	v.SetDefault("downloads.filename_template", "{title} ({year})")
	v.SetDefault("downloads.episode_filename_template", "{series} - S{season:02d}E{episode:02d} - {title}")

	v.SetDefault("database.path", filepath.Join(GetDataDir(), appName+".db"))
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.wal_mode", true)
	v.SetDefault("database.auto_vacuum", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.color", true)
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("advanced.debug", false)
	v.SetDefault("advanced.clipboard.command", "")
}

// Load reads the configuration file (explicit path or the default location),
// applies env overrides and returns the parsed config together with the viper
// instance so callers can watch it for changes.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(GetConfigDir())
	}

	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file yet: defaults and env only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Server.DeviceID == "" {
		id, err := loadOrCreateDeviceID(filepath.Join(GetDataDir(), "device_id"))
		if err != nil {
			return nil, nil, err
		}
		cfg.Server.DeviceID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Playback.ReportInterval < 0 {
		return fmt.Errorf("playback.report_interval must not be negative")
	}
	if c.Playback.MaxBitrate < 0 {
		return fmt.Errorf("playback.max_bitrate must not be negative")
	}
	if c.Remote.KeepAlive < 0 {
		return fmt.Errorf("remote.keep_alive must not be negative")
	}
	if c.Server.URL != "" && !strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.url must start with http:// or https://: %s", c.Server.URL)
	}
	return nil
}

// Default returns a config populated only with defaults
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SaveDefaultConfig writes the default configuration as YAML to path
func SaveDefaultConfig(path string) error {
	cfg := Default()
	cfg.Server.DeviceID = uuid.New().String()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# mbplay configuration\n# See `mbplay config show` for the effective values.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// InitializeDirs creates the config, data and state directories
func InitializeDirs() error {
	for _, dir := range []string{
		GetConfigDir(),
		GetDataDir(),
		filepath.Join(getStateDir(), appName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// GetConfigDir returns the directory holding config.yaml
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("APPDATA"); dir != "" {
			return filepath.Join(dir, appName)
		}
	}
	return filepath.Join(homeDir(), ".config", appName)
}

// GetDataDir returns the directory holding the database
func GetDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), ".local", "share", appName)
}

func getStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "state")
}

// loadOrCreateDeviceID keeps the device id stable across runs when the
// config file does not pin one; the server keys sessions by it.
func loadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write device id: %w", err)
	}
	return id, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return home
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return appName
	}
	return host
}
