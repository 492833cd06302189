package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/sessreplay/internal/core"
	"firestige.xyz/sessreplay/internal/sink"
)

func writeConfig(t *testing.T, content string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/sessreplay.yml", []byte(content), 0o644))
	return fs
}

func TestLoadValidConfig(t *testing.T) {
	fs := writeConfig(t, `
sessreplay:
  log:
    level: debug
    format: pattern
    outputs:
      file:
        enabled: true
        path: /var/log/sessreplay.log
  reconstruct:
    secrets: /keys/sslkeylog.txt
    lookahead: 40
    workers: 8
    bootstrap: ""
  output:
    dir: /out
    format: kafka
  playback:
    tick: 10ms
    speed: 2.5
  kafka:
    brokers:
      - broker1:9092
      - broker2:9092
    topic: replays
    compression: lz4
`)

	cfg, err := LoadFs(fs, "/etc/sessreplay.yml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "%time [%level] %msg %field\n", cfg.Log.Pattern)
	assert.Equal(t, 100, cfg.Log.Outputs.File.Rotation.MaxSizeMB)
	assert.Equal(t, "/keys/sslkeylog.txt", cfg.Reconstruct.Secrets)
	assert.Equal(t, 40, cfg.Reconstruct.Lookahead)
	assert.Equal(t, 8, cfg.Reconstruct.Workers)
	assert.Empty(t, cfg.Reconstruct.BootstrapMarker())
	assert.NotNil(t, cfg.Reconstruct.BootstrapMarker())
	assert.Equal(t, sink.FormatKafka, cfg.Output.SinkFormat())
	assert.Equal(t, 10*time.Millisecond, cfg.Playback.Tick)
	assert.Equal(t, 2.5, cfg.Playback.Speed)
	assert.Equal(t, 64, cfg.Playback.NotifyBuffer)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "lz4", cfg.Kafka.Compression)
	assert.Equal(t, 100*time.Millisecond, cfg.Kafka.BatchTimeout)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFs(afero.NewMemMapFs(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 20, cfg.Reconstruct.Lookahead)
	assert.Equal(t, []byte{3, 0, 0}, cfg.Reconstruct.BootstrapMarker())
	assert.Equal(t, sink.FormatReplay, cfg.Output.SinkFormat())
	assert.Equal(t, ".", cfg.Output.Dir)
	assert.Equal(t, 16*time.Millisecond, cfg.Playback.Tick)
	assert.False(t, cfg.Metrics.Enabled)

	assert.Equal(t, cfg, Default())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SESSREPLAY_LOG_LEVEL", "warn")
	t.Setenv("SESSREPLAY_RECONSTRUCT_WORKERS", "2")
	t.Setenv("SESSREPLAY_OUTPUT_FORMAT", "json")

	fs := writeConfig(t, `
sessreplay:
  log:
    level: debug
`)
	cfg, err := LoadFs(fs, "/etc/sessreplay.yml")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Reconstruct.Workers)
	assert.Equal(t, sink.FormatJSON, cfg.Output.SinkFormat())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFs(afero.NewMemMapFs(), "/nope.yml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"LogLevel", func(c *Config) { c.Log.Level = "trace" }, core.ErrConfigInvalid},
		{"LogFormat", func(c *Config) { c.Log.Format = "xml" }, core.ErrConfigInvalid},
		{"PatternWithoutPattern", func(c *Config) { c.Log.Format = "pattern"; c.Log.Pattern = "" }, core.ErrConfigInvalid},
		{"FileWithoutPath", func(c *Config) { c.Log.Outputs.File.Enabled = true; c.Log.Outputs.File.Path = "" }, core.ErrConfigInvalid},
		{"OutputFormat", func(c *Config) { c.Output.Format = "mp4" }, core.ErrUnsupportedFormat},
		{"KafkaWithoutBrokers", func(c *Config) { c.Output.Format = "kafka" }, core.ErrConfigInvalid},
		{"Lookahead", func(c *Config) { c.Reconstruct.Lookahead = 0 }, core.ErrConfigInvalid},
		{"Workers", func(c *Config) { c.Reconstruct.Workers = 0 }, core.ErrConfigInvalid},
		{"Bootstrap", func(c *Config) { c.Reconstruct.Bootstrap = "zz" }, core.ErrConfigInvalid},
		{"Speed", func(c *Config) { c.Playback.Speed = 0 }, core.ErrConfigInvalid},
		{"Tick", func(c *Config) { c.Playback.Tick = 0 }, core.ErrConfigInvalid},
		{"Buffers", func(c *Config) { c.Playback.NotifyBuffer = 0 }, core.ErrConfigInvalid},
		{"MetricsListen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, core.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.ValidateAndApplyDefaults(), tt.target)
		})
	}
}
