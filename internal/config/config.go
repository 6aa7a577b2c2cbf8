// Package config provides configuration management for prismcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort           = 8080
	defaultServerTimeout        = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultNavigationTimeout    = 30 * time.Second
	defaultMaxNavigationRetries = 2
	defaultHeadRedirectTimeout  = 5 * time.Second
	defaultFrameRate            = 30
	defaultVideoBitsPerSecond   = 4_000_000
	defaultAudioBitsPerSecond   = 128_000
	defaultSegmentDuration      = 4 * time.Second
	defaultMaxSegments          = 12
	defaultPlaylistWindow       = 6
	defaultHealthCheckInterval  = 2 * time.Second
	defaultStallTimeout         = 8 * time.Second
	defaultBufferingTimeout     = 15 * time.Second
	defaultMaxRecoveryAttempts  = 5
	defaultCircuitResetAfter    = 10 * time.Minute
	defaultProactiveReload      = 6 * time.Hour
	defaultIdleTimeout          = 5 * time.Minute
	defaultIdleScanInterval     = 10 * time.Second
	defaultPollInterval         = 200 * time.Millisecond
	defaultSSEHeartbeat         = 30 * time.Second
	defaultAudioBitrate         = "128k"
	defaultFMP4FragDuration     = 4.0
	defaultShowInfoTimeout      = 10 * time.Second
	defaultMaxConcurrentStreams = 10
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Remux     RemuxConfig     `mapstructure:"remux"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	ShowInfo  ShowInfoConfig  `mapstructure:"show_info"`
	Channels  []ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig statically configures one named channel's capture request.
// Channel CRUD and persistence are a collaborator's concern; this is the
// minimal static seed the core needs to have anything to resolve.
type ChannelConfig struct {
	Key             string `mapstructure:"key"`
	Name            string `mapstructure:"name"`
	ProviderName    string `mapstructure:"provider_name"`
	URL             string `mapstructure:"url"`
	Enabled         bool   `mapstructure:"enabled"`
	ProfileOverride string `mapstructure:"profile_override"`
	NoVideo         bool   `mapstructure:"no_video"`
	ChannelSelector string `mapstructure:"channel_selector"`
	ClickToPlay     bool   `mapstructure:"click_to_play"`
	ClickSelector   string `mapstructure:"click_selector"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// CaptureConfig holds headless-tab capture pipeline configuration.
type CaptureConfig struct {
	// Mode selects native MediaRecorder capture vs. transcoding WebM output
	// ("native" or "transcode").
	Mode                  string        `mapstructure:"mode"`
	VideoBitsPerSecond    int           `mapstructure:"video_bits_per_second"`
	AudioBitsPerSecond    int           `mapstructure:"audio_bits_per_second"`
	FrameRate             int           `mapstructure:"frame_rate"`
	ViewportWidth         int           `mapstructure:"viewport_width"`
	ViewportHeight        int           `mapstructure:"viewport_height"`
	NavigationTimeout     time.Duration `mapstructure:"navigation_timeout"`
	MaxNavigationRetries  int           `mapstructure:"max_navigation_retries"`
	HeadRedirectTimeout   time.Duration `mapstructure:"head_redirect_timeout"`
	MaxConcurrentStartups int           `mapstructure:"max_concurrent_startups"`
}

// StreamingConfig holds fMP4 segmenter, HLS store, and HTTP surface
// configuration.
type StreamingConfig struct {
	SegmentDuration      time.Duration `mapstructure:"segment_duration"`
	MaxSegments          int           `mapstructure:"max_segments"`
	PlaylistWindow       int           `mapstructure:"playlist_window"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	IdleScanInterval     time.Duration `mapstructure:"idle_scan_interval"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	SSEHeartbeat         time.Duration `mapstructure:"sse_heartbeat"`
	MaxConcurrentStreams int           `mapstructure:"max_concurrent_streams"`
	// MaxTotalMemory is a limit on the combined init+segment bytes across
	// every live stream (0 = unbounded). Supports human-readable values like
	// "512MB", "2GB", or a raw byte count. It is parsed and validated here;
	// no other package reads it, so the limit is not enforced.
	MaxTotalMemory ByteSize `mapstructure:"max_total_memory"`
}

// RecoveryConfig holds the playback health monitor's escalation-ladder
// tunables.
type RecoveryConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	StallTimeout        time.Duration `mapstructure:"stall_timeout"`
	BufferingTimeout    time.Duration `mapstructure:"buffering_timeout"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	CircuitResetAfter   time.Duration `mapstructure:"circuit_reset_after"`
	ProactiveReload     time.Duration `mapstructure:"proactive_reload"`
	// QuietHoursCron is an optional 6-field cron expression naming a window
	// for proactive reload. Empty disables it. It is parsed and validated
	// here; the playback monitor does not read it, so it has no effect on
	// when proactive reload runs.
	QuietHoursCron string `mapstructure:"quiet_hours_cron"`
}

// RemuxConfig holds the external remuxer process configuration.
type RemuxConfig struct {
	BinaryPath         string  `mapstructure:"binary_path"` // empty = auto-detect ffmpeg
	AudioBitrate       string  `mapstructure:"audio_bitrate"`
	FMP4FragDuration   float64 `mapstructure:"fmp4_frag_duration"`
	FMP4MinFragSeconds float64 `mapstructure:"fmp4_min_frag_seconds"`
	StderrLogPath      string  `mapstructure:"stderr_log_path"`
}

// ProfilesConfig holds site profile resolution configuration.
type ProfilesConfig struct {
	Directory string `mapstructure:"directory"`
}

// ShowInfoConfig holds DVR-API show/logo poller configuration.
type ShowInfoConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	CronSchedule string        `mapstructure:"cron_schedule"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	LogoCacheDir string        `mapstructure:"logo_cache_dir"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PRISMCAST_ and use underscores for nesting.
// Example: PRISMCAST_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/prismcast")
		v.AddConfigPath("$HOME/.prismcast")
	}

	// Environment variable settings
	v.SetEnvPrefix("PRISMCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Capture defaults
	v.SetDefault("capture.mode", "native")
	v.SetDefault("capture.video_bits_per_second", defaultVideoBitsPerSecond)
	v.SetDefault("capture.audio_bits_per_second", defaultAudioBitsPerSecond)
	v.SetDefault("capture.frame_rate", defaultFrameRate)
	v.SetDefault("capture.viewport_width", 1920)
	v.SetDefault("capture.viewport_height", 1080)
	v.SetDefault("capture.navigation_timeout", defaultNavigationTimeout)
	v.SetDefault("capture.max_navigation_retries", defaultMaxNavigationRetries)
	v.SetDefault("capture.head_redirect_timeout", defaultHeadRedirectTimeout)
	v.SetDefault("capture.max_concurrent_startups", 4)

	// Streaming defaults
	v.SetDefault("streaming.segment_duration", defaultSegmentDuration)
	v.SetDefault("streaming.max_segments", defaultMaxSegments)
	v.SetDefault("streaming.playlist_window", defaultPlaylistWindow)
	v.SetDefault("streaming.idle_timeout", defaultIdleTimeout)
	v.SetDefault("streaming.idle_scan_interval", defaultIdleScanInterval)
	v.SetDefault("streaming.poll_interval", defaultPollInterval)
	v.SetDefault("streaming.sse_heartbeat", defaultSSEHeartbeat)
	v.SetDefault("streaming.max_concurrent_streams", defaultMaxConcurrentStreams)
	v.SetDefault("streaming.max_total_memory", 0)

	// Recovery defaults
	v.SetDefault("recovery.health_check_interval", defaultHealthCheckInterval)
	v.SetDefault("recovery.stall_timeout", defaultStallTimeout)
	v.SetDefault("recovery.buffering_timeout", defaultBufferingTimeout)
	v.SetDefault("recovery.max_recovery_attempts", defaultMaxRecoveryAttempts)
	v.SetDefault("recovery.circuit_reset_after", defaultCircuitResetAfter)
	v.SetDefault("recovery.proactive_reload", defaultProactiveReload)
	v.SetDefault("recovery.quiet_hours_cron", "")

	// Remux defaults
	v.SetDefault("remux.binary_path", "")
	v.SetDefault("remux.audio_bitrate", defaultAudioBitrate)
	v.SetDefault("remux.fmp4_frag_duration", defaultFMP4FragDuration)
	v.SetDefault("remux.fmp4_min_frag_seconds", 0.0)
	v.SetDefault("remux.stderr_log_path", "")

	// Profile defaults
	v.SetDefault("profiles.directory", "./profiles")

	// Show-info defaults
	v.SetDefault("show_info.base_url", "")
	v.SetDefault("show_info.api_key", "")
	v.SetDefault("show_info.cron_schedule", "0 */2 * * * *")
	v.SetDefault("show_info.http_timeout", defaultShowInfoTimeout)
	v.SetDefault("show_info.logo_cache_dir", "./logos")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validModes := map[string]bool{"native": true, "transcode": true}
	if !validModes[c.Capture.Mode] {
		return fmt.Errorf("capture.mode must be one of: native, transcode")
	}
	if c.Capture.FrameRate < 1 {
		return fmt.Errorf("capture.frame_rate must be at least 1")
	}

	if c.Streaming.MaxSegments < 1 {
		return fmt.Errorf("streaming.max_segments must be at least 1")
	}
	if c.Streaming.PlaylistWindow < 1 {
		return fmt.Errorf("streaming.playlist_window must be at least 1")
	}
	if c.Streaming.PlaylistWindow > c.Streaming.MaxSegments {
		return fmt.Errorf("streaming.playlist_window must not exceed streaming.max_segments")
	}

	if c.Recovery.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("recovery.max_recovery_attempts must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
