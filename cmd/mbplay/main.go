package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/justchokingaround/mbplay/internal/config"
	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/metrics"
	"github.com/justchokingaround/mbplay/internal/playback"
	"github.com/justchokingaround/mbplay/internal/ui"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	noColor     bool
	debugMode   bool
	metricsAddr string

	// Global config and logger
	cfg    *config.Config
	logger *slog.Logger

	// the open playback session, if any; hot reload pushes bitrate changes to it
	activeSession atomic.Pointer[playback.Session]
	stopMetrics   context.CancelFunc
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Render(ui.ErrorStyle, "error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mbplay",
	Short: "Play and download media from Jellyfin and Emby servers",
	Long: `mbplay plays items from a Jellyfin or Emby server in mpv, reports
playback progress back to the server and accepts play/pause/seek commands
from other clients through the server's remote control.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for config init command
		if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}

		if err := config.InitializeDirs(); err != nil {
			return fmt.Errorf("failed to initialize directories: %w", err)
		}

		var err error
		var v *viper.Viper
		cfg, v, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if debugMode {
			cfg.Advanced.Debug = true
			if logLevel == "" {
				cfg.Logging.Level = "debug"
			}
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if noColor {
			cfg.Logging.Color = false
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		ui.SetColor(cfg.Logging.Color)

		logger, err = config.InitLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := database.Init(&cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		if cfg.Metrics.Addr != "" {
			var ctx context.Context
			ctx, stopMetrics = context.WithCancel(context.Background())
			go func() {
				if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
					logger.Error("metrics listener failed", "error", err)
				}
			}()
		}

		watchConfig(v)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopMetrics != nil {
			stopMetrics()
		}
		if err := database.Close(); err != nil && logger != nil {
			logger.Error("failed to close database", "error", err)
		}
	},
}

// watchConfig reloads the config file on change and pushes a new bitrate cap
// to the open session
func watchConfig(v *viper.Viper) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", "name", e.Name)

		var next config.Config
		if err := v.Unmarshal(&next); err != nil {
			logger.Error("failed to reload config", "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			logger.Error("ignoring invalid config", "error", err)
			return
		}

		prev := cfg.Playback.MaxBitrate
		cfg.Playback = next.Playback
		cfg.Player = next.Player

		if next.Playback.MaxBitrate == prev {
			return
		}
		s := activeSession.Load()
		if s == nil {
			return
		}
		logger.Info("applying new bitrate cap", "max_bitrate", next.Playback.MaxBitrate)
		if err := s.SetMaxBitrate(context.Background(), next.Playback.MaxBitrate); err != nil {
			logger.Error("failed to change bitrate", "error", err)
		}
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/mbplay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug mode (verbose HTTP logging)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(streamURLCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(downloadsCmd)
	rootCmd.AddCommand(historyCmd)
}

// versionCmd displays version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mbplay version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// configCmd handles configuration operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			configPath = filepath.Join(config.GetConfigDir(), "config.yaml")
		}

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", configPath)
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := config.SaveDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to save default configuration: %w", err)
		}

		fmt.Printf("Default configuration generated at: %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Display configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Println(cfgFile)
		} else {
			fmt.Println(filepath.Join(config.GetConfigDir(), "config.yaml"))
		}
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
