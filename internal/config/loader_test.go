package config

import (
	"strings"
	"testing"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Buffers.Continuous.RetentionSeconds != 300 {
		t.Errorf("retention = %.1f, want 300", cfg.Buffers.Continuous.RetentionSeconds)
	}
	if cfg.Buffers.Continuous.DedupToleranceSeconds != 0.2 {
		t.Errorf("dedup tolerance = %.2f, want 0.2", cfg.Buffers.Continuous.DedupToleranceSeconds)
	}
	if cfg.Capture.CheckpointIntervalSeconds != 5 {
		t.Errorf("checkpoint interval = %.1f, want 5", cfg.Capture.CheckpointIntervalSeconds)
	}
	if cfg.Capture.EmptyThreshold != 6 {
		t.Errorf("empty threshold = %d, want 6", cfg.Capture.EmptyThreshold)
	}
	if cfg.Capture.HardAfterSoftFailures != 3 {
		t.Errorf("hard after soft = %d, want 3", cfg.Capture.HardAfterSoftFailures)
	}
	if cfg.Replay.CacheTTLSeconds != 60 {
		t.Errorf("cache ttl = %.1f, want 60", cfg.Replay.CacheTTLSeconds)
	}
	if cfg.Replay.MaxOutputBytes != 50<<20 {
		t.Errorf("max output = %d, want %d", cfg.Replay.MaxOutputBytes, 50<<20)
	}
	if !cfg.Perfmon.On() {
		t.Error("perfmon should default to enabled")
	}
}

func TestLoadFromReaderFull(t *testing.T) {
	t.Parallel()

	const doc = `
server:
  listen_addr: ":9090"
  log_level: debug
discord:
  channels:
    - guild_id: "123"
      channel_id: "456"
buffers:
  continuous:
    retention_seconds: 120
  relay:
    per_user_bytes: 1048576
capture:
  empty_threshold: 2
replay:
  cache_ttl_seconds: 10
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Buffers.Continuous.RetentionSeconds != 120 {
		t.Errorf("retention = %.1f, want 120", cfg.Buffers.Continuous.RetentionSeconds)
	}
	// Unset siblings still default.
	if cfg.Buffers.Continuous.PruneIntervalSeconds != 60 {
		t.Errorf("prune interval = %.1f, want 60", cfg.Buffers.Continuous.PruneIntervalSeconds)
	}
	if cfg.Buffers.Relay.PerUserBytes != 1<<20 {
		t.Errorf("per user bytes = %d, want %d", cfg.Buffers.Relay.PerUserBytes, 1<<20)
	}
	if cfg.Capture.EmptyThreshold != 2 {
		t.Errorf("empty threshold = %d, want 2", cfg.Capture.EmptyThreshold)
	}
	if len(cfg.Discord.Channels) != 1 || cfg.Discord.Channels[0].GuildID != "123" {
		t.Errorf("channels = %+v", cfg.Discord.Channels)
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromReader(strings.NewReader("bogus_section: {}\n")); err == nil {
		t.Fatal("unknown top-level field should be rejected")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "bad log level",
			doc:  "server:\n  log_level: verbose\n",
			want: "server.log_level",
		},
		{
			name: "channel missing guild",
			doc:  "discord:\n  channels:\n    - channel_id: \"456\"\n",
			want: "guild_id is required",
		},
		{
			name: "checkpoint too fast",
			doc:  "capture:\n  checkpoint_interval_seconds: 0.5\n",
			want: "checkpoint_interval_seconds",
		},
		{
			name: "default duration exceeds max",
			doc:  "replay:\n  default_duration_seconds: 600\n  max_duration_seconds: 300\n",
			want: "default_duration_seconds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFromReader(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if got := cfg.Buffers.Continuous.DedupTolerance().Milliseconds(); got != 200 {
		t.Errorf("dedup tolerance = %dms, want 200ms", got)
	}
	if got := cfg.Capture.CheckpointInterval().Seconds(); got != 5 {
		t.Errorf("checkpoint interval = %.1fs, want 5s", got)
	}
	if got := cfg.Archive.Retention().Minutes(); got != 60 {
		t.Errorf("archive retention = %.1fm, want 60m", got)
	}
}
