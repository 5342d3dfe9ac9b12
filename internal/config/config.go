// Package config provides configuration management for restreamd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultHealthInterval     = 30 * time.Second
	defaultPushInterval       = 2 * time.Second
	defaultStopTimeout        = 500 * time.Millisecond
	defaultKillTimeout        = 200 * time.Millisecond
	defaultRestartDelay       = 250 * time.Millisecond
	defaultAutoRestartDelay   = 5 * time.Second
	defaultRestartingTimeout  = 10 * time.Second
	defaultRestartBudget      = 25
	defaultRestartWindow      = 2 * time.Minute
	defaultProbeCacheTTL      = 60 * time.Second
	defaultProbeTimeout       = 5 * time.Second
	defaultAnalyzeTimeout     = 30 * time.Second
	defaultMaxLogsPerChannel  = 1000
	defaultVAAPIRenderDevice  = "/dev/dri/renderD128"
	defaultLogPruneCronExpr   = "0 0 3 * * *"
	defaultSubscriberBufferSz = 16
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Media      MediaConfig      `mapstructure:"media"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Health     HealthConfig     `mapstructure:"health"`
	Logs       LogsConfig       `mapstructure:"logs"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// MediaConfig holds media directory configuration. Each channel owns a
// directory under BasePath keyed by channel id; contents are ephemeral.
type MediaConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds encoder binary and hardware acceleration configuration.
type FFmpegConfig struct {
	BinaryPath     string        `mapstructure:"binary_path"` // path to ffmpeg (empty = $PATH lookup)
	ProbePath      string        `mapstructure:"probe_path"`  // path to ffprobe (empty = $PATH lookup)
	HWAccelEnabled bool          `mapstructure:"hwaccel_enabled"`
	HWAccelAuto    bool          `mapstructure:"hwaccel_auto"` // substitute hw encoders even for copy/unset codecs
	NVENCPreset    string        `mapstructure:"nvenc_preset"` // overrides per-channel preset mapping when set
	VAAPIDevice    string        `mapstructure:"vaapi_device"` // default render node
	ProbeCacheTTL  time.Duration `mapstructure:"probe_cache_ttl"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	AnalyzeTimeout time.Duration `mapstructure:"analyze_timeout"`
}

// SupervisorConfig holds process supervision tunables.
type SupervisorConfig struct {
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`       // TERM grace before escalation
	KillTimeout       time.Duration `mapstructure:"kill_timeout"`       // wait after KILL
	RestartDelay      time.Duration `mapstructure:"restart_delay"`      // pause between stop and start in restart
	AutoRestartDelay  time.Duration `mapstructure:"auto_restart_delay"` // backoff before an automatic restart
	RestartingTimeout time.Duration `mapstructure:"restarting_timeout"` // stale RESTARTING demotion
	RestartBudget     int           `mapstructure:"restart_budget"`     // attempts allowed per window
	RestartWindow     time.Duration `mapstructure:"restart_window"`
}

// HealthConfig holds health loop and subscription fanout configuration.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`      // reconciliation period
	PushInterval     time.Duration `mapstructure:"push_interval"` // subscriber snapshot cadence
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// LogsConfig holds channel log retention configuration.
type LogsConfig struct {
	MaxEntriesPerChannel int    `mapstructure:"max_entries_per_channel"`
	PruneSchedule        string `mapstructure:"prune_schedule"` // 6-field cron expression
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RESTREAMD_ and use underscores for
// nesting (RESTREAMD_SERVER_PORT=8080). A handful of legacy unprefixed names
// (FFMPEG_PATH, MEDIA_BASE_PATH, ...) are honoured for compatibility with
// older deployments.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/restreamd")
		v.AddConfigPath("$HOME/.restreamd")
	}

	v.SetEnvPrefix("RESTREAMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "restreamd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Media defaults
	v.SetDefault("media.base_path", "./media")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel_enabled", true)
	v.SetDefault("ffmpeg.hwaccel_auto", false)
	v.SetDefault("ffmpeg.nvenc_preset", "")
	v.SetDefault("ffmpeg.vaapi_device", defaultVAAPIRenderDevice)
	v.SetDefault("ffmpeg.probe_cache_ttl", defaultProbeCacheTTL)
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.analyze_timeout", defaultAnalyzeTimeout)

	// Supervisor defaults
	v.SetDefault("supervisor.stop_timeout", defaultStopTimeout)
	v.SetDefault("supervisor.kill_timeout", defaultKillTimeout)
	v.SetDefault("supervisor.restart_delay", defaultRestartDelay)
	v.SetDefault("supervisor.auto_restart_delay", defaultAutoRestartDelay)
	v.SetDefault("supervisor.restarting_timeout", defaultRestartingTimeout)
	v.SetDefault("supervisor.restart_budget", defaultRestartBudget)
	v.SetDefault("supervisor.restart_window", defaultRestartWindow)

	// Health loop defaults
	v.SetDefault("health.interval", defaultHealthInterval)
	v.SetDefault("health.push_interval", defaultPushInterval)
	v.SetDefault("health.subscriber_buffer", defaultSubscriberBufferSz)

	// Log retention defaults
	v.SetDefault("logs.max_entries_per_channel", defaultMaxLogsPerChannel)
	v.SetDefault("logs.prune_schedule", defaultLogPruneCronExpr)
}

// BindLegacyEnv binds the unprefixed environment variable names recognized by
// earlier deployments to their viper keys. RESTREAMD_-prefixed variables take
// precedence because they are bound first.
func BindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("ffmpeg.binary_path", "RESTREAMD_FFMPEG_BINARY_PATH", "FFMPEG_PATH")
	_ = v.BindEnv("ffmpeg.nvenc_preset", "RESTREAMD_FFMPEG_NVENC_PRESET", "NVENC_PRESET")
	_ = v.BindEnv("media.base_path", "RESTREAMD_MEDIA_BASE_PATH", "MEDIA_BASE_PATH")
	_ = v.BindEnv("logs.max_entries_per_channel", "RESTREAMD_LOGS_MAX_ENTRIES_PER_CHANNEL", "MAX_LOG_ENTRIES_PER_CHANNEL")
}

// applyLegacyOverrides handles legacy variables whose wire format does not
// unmarshal cleanly through viper: boolean strings and bare-millisecond
// durations.
func applyLegacyOverrides(cfg *Config) {
	if raw, ok := os.LookupEnv("FFMPEG_HWACCEL_ENABLED"); ok {
		cfg.FFmpeg.HWAccelEnabled = !strings.EqualFold(raw, "false")
	}
	if raw, ok := os.LookupEnv("FFMPEG_HWACCEL_AUTO"); ok {
		cfg.FFmpeg.HWAccelAuto = strings.EqualFold(raw, "true")
	}
	// HEALTH_CHECK_INTERVAL is specified in milliseconds, not Go duration syntax.
	if raw, ok := os.LookupEnv("HEALTH_CHECK_INTERVAL"); ok {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.Health.Interval = time.Duration(ms) * time.Millisecond
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Media.BasePath == "" {
		return fmt.Errorf("media.base_path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Supervisor.RestartBudget < 1 {
		return fmt.Errorf("supervisor.restart_budget must be at least 1")
	}
	if c.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("supervisor.restart_window must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Logs.MaxEntriesPerChannel < 1 {
		return fmt.Errorf("logs.max_entries_per_channel must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
