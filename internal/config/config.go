// Package config provides the configuration schema and loader for the
// reverb replay buffer service.
package config

import "time"

// LogLevel controls log verbosity for the reverb server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for reverb.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Discord DiscordConfig `yaml:"discord"`
	Buffers BuffersConfig `yaml:"buffers"`
	Capture CaptureConfig `yaml:"capture"`
	Replay  ReplayConfig  `yaml:"replay"`
	Archive ArchiveConfig `yaml:"archive"`
	Perfmon PerfmonConfig `yaml:"perfmon"`
}

// ServerConfig holds network and logging settings for the ops HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the ops server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds credentials and voice channel assignments for the
// Discord capture source.
type DiscordConfig struct {
	// Token is the bot token. Usually left empty here and supplied via the
	// DISCORD_TOKEN environment variable instead.
	Token string `yaml:"token"`

	// Channels lists voice channels to join and capture on startup.
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig identifies one voice channel to capture.
type ChannelConfig struct {
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// BuffersConfig tunes the two in-memory audio stores.
type BuffersConfig struct {
	Continuous ContinuousConfig `yaml:"continuous"`
	Relay      RelayConfig      `yaml:"relay"`
}

// ContinuousConfig tunes the time-windowed per-user chunk store.
type ContinuousConfig struct {
	// RetentionSeconds is how long chunks stay queryable. Default 300.
	RetentionSeconds float64 `yaml:"retention_seconds"`

	// PruneIntervalSeconds is how often the background prune runs. Default 60.
	PruneIntervalSeconds float64 `yaml:"prune_interval_seconds"`

	// DedupToleranceSeconds is the start-time window within which an
	// identical payload is considered a duplicate delivery. Default 0.2.
	DedupToleranceSeconds float64 `yaml:"dedup_tolerance_seconds"`
}

// RelayConfig tunes the byte-budgeted relay buffer.
type RelayConfig struct {
	// PerUserBytes caps a single user's entries within a guild. Default 20 MiB.
	PerUserBytes int64 `yaml:"per_user_bytes"`

	// PerGuildBytes caps all entries within a guild. Default 100 MiB.
	PerGuildBytes int64 `yaml:"per_guild_bytes"`

	// GlobalBytes caps the whole buffer. Default 300 MiB.
	GlobalBytes int64 `yaml:"global_bytes"`

	// ExpirySeconds is the age after which entries are dropped by the
	// cleanup pass. Default 300.
	ExpirySeconds float64 `yaml:"expiry_seconds"`

	// CleanupIntervalSeconds is how often expiry runs. Default 60.
	CleanupIntervalSeconds float64 `yaml:"cleanup_interval_seconds"`
}

// CaptureConfig tunes the per-guild capture session state machine.
type CaptureConfig struct {
	// CheckpointIntervalSeconds is the restart cadence that flushes
	// accumulated audio into the buffers. Default 5.
	CheckpointIntervalSeconds float64 `yaml:"checkpoint_interval_seconds"`

	// EmptyThreshold is the number of consecutive empty checkpoint flushes
	// that triggers a soft recovery. Default 6.
	EmptyThreshold int `yaml:"empty_threshold"`

	// SoftCooldownSeconds is the minimum gap between soft recovery attempts.
	// Default 20.
	SoftCooldownSeconds float64 `yaml:"soft_cooldown_seconds"`

	// RecentAudioWindowSeconds gates soft recovery on audio having been
	// heard this recently; quieter guilds retry on the idle cadence instead.
	// Default 180.
	RecentAudioWindowSeconds float64 `yaml:"recent_audio_window_seconds"`

	// IdleRetrySeconds is the recovery retry interval for guilds with no
	// recent audio. Default 300.
	IdleRetrySeconds float64 `yaml:"idle_retry_seconds"`

	// HardAfterSoftFailures is the number of failed soft recoveries that
	// escalates to a full voice reconnect. Default 3.
	HardAfterSoftFailures int `yaml:"hard_after_soft_failures"`
}

// ReplayConfig tunes the replay request coordinator and audio pipeline.
type ReplayConfig struct {
	// CacheTTLSeconds is how long a generated replay result is served to
	// equivalent requests. Default 60.
	CacheTTLSeconds float64 `yaml:"cache_ttl_seconds"`

	// DefaultDurationSeconds is used when a request omits the duration.
	// Default 30.
	DefaultDurationSeconds float64 `yaml:"default_duration_seconds"`

	// MaxDurationSeconds caps the requested window. Default 300.
	MaxDurationSeconds float64 `yaml:"max_duration_seconds"`

	// MaxOutputBytes caps the generated payload; larger results are
	// truncated keeping the most recent audio. Default 50 MiB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// UpstreamTimeoutSeconds bounds a single buffer extraction. Default 5.
	UpstreamTimeoutSeconds float64 `yaml:"upstream_timeout_seconds"`
}

// ArchiveConfig configures the optional Postgres replay archive.
type ArchiveConfig struct {
	// PostgresDSN enables the archive when non-empty. Usually supplied via
	// the REVERB_ARCHIVE_DSN environment variable instead.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RetentionSeconds is how long archived replays are kept. Default 3600.
	RetentionSeconds float64 `yaml:"retention_seconds"`

	// CleanupIntervalSeconds is how often expired records are deleted.
	// Default 600.
	CleanupIntervalSeconds float64 `yaml:"cleanup_interval_seconds"`
}

// PerfmonConfig configures the process resource sampler.
type PerfmonConfig struct {
	// Enabled turns the sampler on. Unset means enabled.
	Enabled *bool `yaml:"enabled"`

	// IntervalSeconds is the sampling cadence. Default 60.
	IntervalSeconds float64 `yaml:"interval_seconds"`
}

// seconds converts a float seconds value to a [time.Duration].
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (c ContinuousConfig) Retention() time.Duration      { return seconds(c.RetentionSeconds) }
func (c ContinuousConfig) PruneInterval() time.Duration  { return seconds(c.PruneIntervalSeconds) }
func (c ContinuousConfig) DedupTolerance() time.Duration { return seconds(c.DedupToleranceSeconds) }

func (c RelayConfig) Expiry() time.Duration          { return seconds(c.ExpirySeconds) }
func (c RelayConfig) CleanupInterval() time.Duration { return seconds(c.CleanupIntervalSeconds) }

func (c CaptureConfig) CheckpointInterval() time.Duration {
	return seconds(c.CheckpointIntervalSeconds)
}
func (c CaptureConfig) SoftCooldown() time.Duration      { return seconds(c.SoftCooldownSeconds) }
func (c CaptureConfig) RecentAudioWindow() time.Duration { return seconds(c.RecentAudioWindowSeconds) }
func (c CaptureConfig) IdleRetry() time.Duration         { return seconds(c.IdleRetrySeconds) }

func (c ReplayConfig) CacheTTL() time.Duration        { return seconds(c.CacheTTLSeconds) }
func (c ReplayConfig) DefaultDuration() time.Duration { return seconds(c.DefaultDurationSeconds) }
func (c ReplayConfig) MaxDuration() time.Duration     { return seconds(c.MaxDurationSeconds) }
func (c ReplayConfig) UpstreamTimeout() time.Duration { return seconds(c.UpstreamTimeoutSeconds) }

func (c ArchiveConfig) Retention() time.Duration       { return seconds(c.RetentionSeconds) }
func (c ArchiveConfig) CleanupInterval() time.Duration { return seconds(c.CleanupIntervalSeconds) }

func (c PerfmonConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }

// On reports whether the sampler should run.
func (c PerfmonConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}
