package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tuning fields with their documented
// defaults. Explicit zero and "unset" are indistinguishable for these
// fields; a zero value is never a useful setting for any of them.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Buffers.Continuous
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = 300
	}
	if c.PruneIntervalSeconds == 0 {
		c.PruneIntervalSeconds = 60
	}
	if c.DedupToleranceSeconds == 0 {
		c.DedupToleranceSeconds = 0.2
	}

	r := &cfg.Buffers.Relay
	if r.PerUserBytes == 0 {
		r.PerUserBytes = 20 << 20
	}
	if r.PerGuildBytes == 0 {
		r.PerGuildBytes = 100 << 20
	}
	if r.GlobalBytes == 0 {
		r.GlobalBytes = 300 << 20
	}
	if r.ExpirySeconds == 0 {
		r.ExpirySeconds = 300
	}
	if r.CleanupIntervalSeconds == 0 {
		r.CleanupIntervalSeconds = 60
	}

	cc := &cfg.Capture
	if cc.CheckpointIntervalSeconds == 0 {
		cc.CheckpointIntervalSeconds = 5
	}
	if cc.EmptyThreshold == 0 {
		cc.EmptyThreshold = 6
	}
	if cc.SoftCooldownSeconds == 0 {
		cc.SoftCooldownSeconds = 20
	}
	if cc.RecentAudioWindowSeconds == 0 {
		cc.RecentAudioWindowSeconds = 180
	}
	if cc.IdleRetrySeconds == 0 {
		cc.IdleRetrySeconds = 300
	}
	if cc.HardAfterSoftFailures == 0 {
		cc.HardAfterSoftFailures = 3
	}

	rp := &cfg.Replay
	if rp.CacheTTLSeconds == 0 {
		rp.CacheTTLSeconds = 60
	}
	if rp.DefaultDurationSeconds == 0 {
		rp.DefaultDurationSeconds = 30
	}
	if rp.MaxDurationSeconds == 0 {
		rp.MaxDurationSeconds = 300
	}
	if rp.MaxOutputBytes == 0 {
		rp.MaxOutputBytes = 50 << 20
	}
	if rp.UpstreamTimeoutSeconds == 0 {
		rp.UpstreamTimeoutSeconds = 5
	}

	a := &cfg.Archive
	if a.RetentionSeconds == 0 {
		a.RetentionSeconds = 3600
	}
	if a.CleanupIntervalSeconds == 0 {
		a.CleanupIntervalSeconds = 600
	}

	if cfg.Perfmon.IntervalSeconds == 0 {
		cfg.Perfmon.IntervalSeconds = 60
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for i, ch := range cfg.Discord.Channels {
		prefix := fmt.Sprintf("discord.channels[%d]", i)
		if ch.GuildID == "" {
			errs = append(errs, fmt.Errorf("%s.guild_id is required", prefix))
		}
		if ch.ChannelID == "" {
			errs = append(errs, fmt.Errorf("%s.channel_id is required", prefix))
		}
	}

	c := cfg.Buffers.Continuous
	if c.RetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("buffers.continuous.retention_seconds %.1f must be positive", c.RetentionSeconds))
	}
	if c.DedupToleranceSeconds < 0 {
		errs = append(errs, fmt.Errorf("buffers.continuous.dedup_tolerance_seconds %.2f must not be negative", c.DedupToleranceSeconds))
	}

	r := cfg.Buffers.Relay
	if r.PerUserBytes < 0 || r.PerGuildBytes < 0 || r.GlobalBytes < 0 {
		errs = append(errs, errors.New("buffers.relay byte budgets must not be negative"))
	}
	if r.PerUserBytes > r.PerGuildBytes {
		slog.Warn("relay per-user budget exceeds per-guild budget; per-guild cap wins",
			"per_user", r.PerUserBytes,
			"per_guild", r.PerGuildBytes,
		)
	}
	if r.PerGuildBytes > r.GlobalBytes {
		slog.Warn("relay per-guild budget exceeds global budget; global cap wins",
			"per_guild", r.PerGuildBytes,
			"global", r.GlobalBytes,
		)
	}

	cc := cfg.Capture
	if cc.CheckpointIntervalSeconds < 1 {
		errs = append(errs, fmt.Errorf("capture.checkpoint_interval_seconds %.1f is below the 1s minimum", cc.CheckpointIntervalSeconds))
	}
	if cc.EmptyThreshold < 1 {
		errs = append(errs, fmt.Errorf("capture.empty_threshold %d must be at least 1", cc.EmptyThreshold))
	}
	if cc.HardAfterSoftFailures < 1 {
		errs = append(errs, fmt.Errorf("capture.hard_after_soft_failures %d must be at least 1", cc.HardAfterSoftFailures))
	}
	if cc.SoftCooldownSeconds < cc.CheckpointIntervalSeconds {
		slog.Warn("soft recovery cooldown is shorter than the checkpoint interval; recovery may trigger on every checkpoint",
			"cooldown_seconds", cc.SoftCooldownSeconds,
			"checkpoint_seconds", cc.CheckpointIntervalSeconds,
		)
	}

	rp := cfg.Replay
	if rp.DefaultDurationSeconds > rp.MaxDurationSeconds {
		errs = append(errs, fmt.Errorf("replay.default_duration_seconds %.1f exceeds replay.max_duration_seconds %.1f", rp.DefaultDurationSeconds, rp.MaxDurationSeconds))
	}
	if rp.MaxOutputBytes < 1<<20 {
		slog.Warn("replay.max_output_bytes is below 1 MiB; most replays will be truncated",
			"max_output_bytes", rp.MaxOutputBytes,
		)
	}

	if cfg.Archive.PostgresDSN == "" {
		slog.Info("archive.postgres_dsn is empty; replay archiving is disabled")
	}

	return errors.Join(errs...)
}
