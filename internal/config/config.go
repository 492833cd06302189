// Package config handles global configuration loading using viper.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/sink"
)

// Config is the top-level configuration.
// Maps to the `sessreplay:` root key in YAML.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Reconstruct ReconstructConfig `mapstructure:"reconstruct"`
	Output      OutputConfig      `mapstructure:"output"`
	Playback    PlaybackConfig    `mapstructure:"playback"`
	Kafka       sink.KafkaConfig  `mapstructure:"kafka"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ─── Reconstruction ───

// ReconstructConfig controls session reconstruction.
type ReconstructConfig struct {
	Secrets   string `mapstructure:"secrets"`   // key log path
	Lookahead int    `mapstructure:"lookahead"` // packets searched for a ClientHello
	Workers   int    `mapstructure:"workers"`
	// Bootstrap is the hex prefix of plaintext frames passed through before
	// the TLS handshake. Empty disables passthrough.
	Bootstrap string `mapstructure:"bootstrap"`

	marker []byte
}

// BootstrapMarker returns the decoded bootstrap prefix. Only valid after
// ValidateAndApplyDefaults.
func (r ReconstructConfig) BootstrapMarker() []byte {
	if r.marker == nil {
		return []byte{}
	}
	return r.marker
}

// ─── Output ───

// OutputConfig selects where and how artifacts are written.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"` // replay / json / kafka

	format sink.Format
}

// SinkFormat returns the parsed format. Only valid after
// ValidateAndApplyDefaults.
func (o OutputConfig) SinkFormat() sink.Format {
	return o.format
}

// ─── Playback ───

// PlaybackConfig tunes the playback scheduler.
type PlaybackConfig struct {
	Tick          time.Duration `mapstructure:"tick"`
	Speed         float64       `mapstructure:"speed"`
	NotifyBuffer  int           `mapstructure:"notify_buffer"`
	CommandBuffer int           `mapstructure:"command_buffer"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"`  // debug / info / warn / error
	Format     string           `mapstructure:"format"` // json / text / pattern
	Pattern    string           `mapstructure:"pattern"`
	TimeFormat string           `mapstructure:"time_format"`
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stderr.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `sessreplay: ...`.
type configRoot struct {
	Sessreplay Config `mapstructure:"sessreplay"`
}

// Load loads configuration from the OS filesystem. See LoadFs.
func Load(path string) (*Config, error) {
	return LoadFs(afero.NewOsFs(), path)
}

// LoadFs loads configuration from path on fs. An empty path uses defaults
// and environment only. Env vars use the SESSREPLAY_ prefix
// (e.g. SESSREPLAY_LOG_LEVEL).
func LoadFs(fs afero.Fs, path string) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `sessreplay.` key prefix maps to `SESSREPLAY_` through the replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Sessreplay

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	_ = v.Unmarshal(&root)
	cfg := root.Sessreplay
	_ = cfg.ValidateAndApplyDefaults()
	return &cfg
}

// setDefaults sets default values for configuration.
// All keys use "sessreplay." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("sessreplay.log.level", "info")
	v.SetDefault("sessreplay.log.format", "text")
	v.SetDefault("sessreplay.log.pattern", "%time [%level] %msg %field\n")
	v.SetDefault("sessreplay.log.time_format", "2006-01-02 15:04:05.000")
	v.SetDefault("sessreplay.log.outputs.file.enabled", false)
	v.SetDefault("sessreplay.log.outputs.file.path", "sessreplay.log")
	v.SetDefault("sessreplay.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("sessreplay.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("sessreplay.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("sessreplay.log.outputs.file.rotation.compress", true)

	// Reconstruction defaults
	v.SetDefault("sessreplay.reconstruct.secrets", "")
	v.SetDefault("sessreplay.reconstruct.lookahead", 20)
	v.SetDefault("sessreplay.reconstruct.workers", 4)
	v.SetDefault("sessreplay.reconstruct.bootstrap", "030000")

	// Output defaults
	v.SetDefault("sessreplay.output.dir", ".")
	v.SetDefault("sessreplay.output.format", "replay")

	// Playback defaults
	v.SetDefault("sessreplay.playback.tick", "16ms")
	v.SetDefault("sessreplay.playback.speed", 1.0)
	v.SetDefault("sessreplay.playback.notify_buffer", 64)
	v.SetDefault("sessreplay.playback.command_buffer", 16)

	// Kafka sink defaults
	v.SetDefault("sessreplay.kafka.brokers", []string{})
	v.SetDefault("sessreplay.kafka.topic", "")
	v.SetDefault("sessreplay.kafka.compression", "snappy")
	v.SetDefault("sessreplay.kafka.batch_size", 100)
	v.SetDefault("sessreplay.kafka.batch_timeout", "100ms")
	v.SetDefault("sessreplay.kafka.max_attempts", 3)

	// Metrics defaults
	v.SetDefault("sessreplay.metrics.enabled", false)
	v.SetDefault("sessreplay.metrics.listen", ":9091")
	v.SetDefault("sessreplay.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and resolves derived
// values. Errors match core.ErrConfigInvalid, except an unknown output
// format, which matches core.ErrUnsupportedFormat.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	case "pattern":
		if cfg.Log.Pattern == "" {
			return invalid("log.pattern is required when log.format=pattern")
		}
	default:
		return invalid("invalid log format: %s (must be json/text/pattern)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Output ──
	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return err
	}
	cfg.Output.format = format
	if format == sink.FormatKafka {
		if err := cfg.Kafka.Validate(); err != nil {
			return invalid("%v", err)
		}
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "."
	}

	// ── Reconstruction ──
	if cfg.Reconstruct.Lookahead <= 0 {
		return invalid("reconstruct.lookahead must be > 0, got %d", cfg.Reconstruct.Lookahead)
	}
	if cfg.Reconstruct.Workers < 1 {
		return invalid("reconstruct.workers must be >= 1, got %d", cfg.Reconstruct.Workers)
	}
	marker, err := hex.DecodeString(cfg.Reconstruct.Bootstrap)
	if err != nil {
		return invalid("reconstruct.bootstrap is not hex: %v", err)
	}
	cfg.Reconstruct.marker = marker

	// ── Playback ──
	if cfg.Playback.Speed <= 0 {
		return invalid("playback.speed must be > 0, got %v", cfg.Playback.Speed)
	}
	if cfg.Playback.Tick <= 0 {
		return invalid("playback.tick must be > 0, got %v", cfg.Playback.Tick)
	}
	if cfg.Playback.NotifyBuffer < 1 || cfg.Playback.CommandBuffer < 1 {
		return invalid("playback buffers must be >= 1")
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
