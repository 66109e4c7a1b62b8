// Package app wires the reverb components into a runnable service: the
// buffer stores, the capture supervisor over the Discord voice source, the
// replay coordinator, the optional Postgres archive, and the ops HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/jinwktk/reverb/internal/archive"
	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/capture"
	"github.com/jinwktk/reverb/internal/config"
	"github.com/jinwktk/reverb/internal/discord"
	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/internal/perfmon"
	"github.com/jinwktk/reverb/internal/replay"
	"github.com/jinwktk/reverb/internal/server"
)

// closer is one teardown step with a name for error reporting.
type closer struct {
	name string
	fn   func() error
}

// App owns every long-lived component. Construct with [New], drive with
// [App.Run], and tear down with [App.Shutdown].
type App struct {
	cfg config.Config

	metrics     *observe.Metrics
	continuous  *buffer.ContinuousStore
	relay       *buffer.RelayBuffer
	ingest      *Ingestor
	coordinator *replay.Coordinator
	replays     server.ReplaySource
	archiving   *archivingReplays
	controller  *capture.Controller
	connector   capture.Connector
	voice       *discord.VoiceConnector
	archive     archive.Store
	pool        *pgxpool.Pool
	janitor     *archive.Janitor
	sampler     *perfmon.Sampler
	server      *server.Server

	mp metric.MeterProvider

	closers  []closer
	stopOnce sync.Once
	stopErr  error
}

// Option configures an [App] before its components are built.
type Option func(*App)

// WithConnector substitutes the voice connector, bypassing the Discord
// session entirely. Used by tests.
func WithConnector(c capture.Connector) Option {
	return func(a *App) { a.connector = c }
}

// WithArchiveStore substitutes the archive store, bypassing Postgres.
// Used by tests.
func WithArchiveStore(st archive.Store) Option {
	return func(a *App) { a.archive = st }
}

// WithMeterProvider overrides the meter provider metrics are created on.
// Defaults to the global OTel provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.mp = mp }
}

// New builds the component graph from cfg. External resources are only
// touched for the features the config enables: a Discord session when a
// token is set, a Postgres pool when an archive DSN is set.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: *cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.mp == nil {
		a.mp = otel.GetMeterProvider()
	}

	metrics, err := observe.NewMetrics(a.mp)
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}
	a.metrics = metrics

	a.continuous = buffer.NewContinuousStore(
		buffer.WithRetention(cfg.Buffers.Continuous.Retention()),
		buffer.WithDedupTolerance(cfg.Buffers.Continuous.DedupTolerance()),
		buffer.WithContinuousMetrics(metrics),
	)
	a.relay = buffer.NewRelayBuffer(
		buffer.WithBudgets(cfg.Buffers.Relay.PerUserBytes, cfg.Buffers.Relay.PerGuildBytes, cfg.Buffers.Relay.GlobalBytes),
		buffer.WithRelayExpiry(cfg.Buffers.Relay.Expiry()),
		buffer.WithRelayMetrics(metrics),
	)
	a.ingest = NewIngestor(a.continuous, a.relay)

	a.coordinator = replay.NewCoordinator(a.relay,
		replay.WithCacheTTL(cfg.Replay.CacheTTL()),
		replay.WithDurations(cfg.Replay.DefaultDuration(), cfg.Replay.MaxDuration()),
		replay.WithMaxOutputBytes(cfg.Replay.MaxOutputBytes),
		replay.WithUpstreamTimeout(cfg.Replay.UpstreamTimeout()),
		replay.WithCoordinatorMetrics(metrics),
	)

	if a.connector == nil && cfg.Discord.Token != "" {
		if err := a.openDiscord(); err != nil {
			return nil, a.failNew(err)
		}
	}

	a.controller = capture.NewController(a.connector,
		capture.WithCheckpointInterval(cfg.Capture.CheckpointInterval()),
		capture.WithEmptyThreshold(cfg.Capture.EmptyThreshold),
		capture.WithSoftCooldown(cfg.Capture.SoftCooldown()),
		capture.WithRecentAudioWindow(cfg.Capture.RecentAudioWindow()),
		capture.WithIdleRetry(cfg.Capture.IdleRetry()),
		capture.WithHardThreshold(cfg.Capture.HardAfterSoftFailures),
		capture.WithControllerMetrics(metrics),
	)

	if a.archive == nil && cfg.Archive.PostgresDSN != "" {
		if err := a.openArchive(ctx); err != nil {
			return nil, a.failNew(err)
		}
	}
	if a.archive != nil {
		a.janitor = archive.NewJanitor(a.archive, cfg.Archive.Retention())
	}

	if cfg.Perfmon.On() {
		sampler, err := perfmon.New(a.mp)
		if err != nil {
			return nil, a.failNew(fmt.Errorf("app: create perfmon sampler: %w", err))
		}
		a.sampler = sampler
	}

	a.replays = a.coordinator
	if a.archive != nil {
		a.archiving = newArchivingReplays(a.coordinator, a.archive)
		a.replays = a.archiving
	}

	srvOpts := []server.Option{
		server.WithServerMetrics(metrics),
		server.WithRelayBytes(a.relay.TotalBytes),
	}
	if a.archive != nil {
		srvOpts = append(srvOpts, server.WithArchiveStore(a.archive))
	}
	if a.pool != nil {
		srvOpts = append(srvOpts, server.WithCheckers(server.Checker{
			Name:  "archive",
			Check: a.pool.Ping,
		}))
	}
	a.server = server.New(a.replays, a.continuous, srvOpts...)

	return a, nil
}

// openDiscord establishes the gateway session and the voice connector
// delivering captured audio into the stores.
func (a *App) openDiscord() error {
	session, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("app: create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildVoiceStates

	if err := session.Open(); err != nil {
		return fmt.Errorf("app: open discord session: %w", err)
	}
	a.closers = append(a.closers, closer{name: "discord session", fn: session.Close})

	a.voice = discord.NewVoiceConnector(session, a.ingest)
	a.connector = a.voice
	return nil
}

// openArchive connects the Postgres pool and runs the schema migration.
func (a *App) openArchive(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: connect archive database: %w", err)
	}

	store := archive.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	a.closers = append(a.closers, closer{name: "archive pool", fn: func() error {
		pool.Close()
		return nil
	}})
	a.pool = pool
	a.archive = store
	return nil
}

// failNew tears down whatever New already opened and passes err through.
func (a *App) failNew(err error) error {
	if closeErr := a.Shutdown(context.Background()); closeErr != nil {
		slog.Warn("cleanup after failed startup", "error", closeErr)
	}
	return err
}

// Run starts the background loops, connects the configured voice channels,
// and serves the ops API until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.continuous.Run(ctx, a.cfg.Buffers.Continuous.PruneInterval())
	go a.relay.Run(ctx, a.cfg.Buffers.Relay.CleanupInterval())
	if a.janitor != nil {
		go a.janitor.Run(ctx, a.cfg.Archive.CleanupInterval())
	}
	if a.sampler != nil {
		go a.sampler.Run(ctx, a.cfg.Perfmon.Interval())
	}

	started := a.connectChannels(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Run(ctx, a.cfg.Server.ListenAddr) }()

	slog.Info("reverb running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"capture_guilds", len(started),
		"archive_enabled", a.archive != nil,
	)

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = <-errCh
	}

	for _, guildID := range started {
		a.controller.Stop(guildID)
	}
	if a.archiving != nil {
		a.archiving.flush()
	}
	return err
}

// connectChannels joins every configured voice channel and starts its
// capture session. Failures are logged per channel; the rest proceed.
func (a *App) connectChannels(ctx context.Context) []uint64 {
	if len(a.cfg.Discord.Channels) == 0 {
		return nil
	}
	if a.connector == nil {
		slog.Warn("voice channels configured but no discord token set; capture disabled")
		return nil
	}

	var started []uint64
	for _, ch := range a.cfg.Discord.Channels {
		guildID, err := strconv.ParseUint(ch.GuildID, 10, 64)
		if err != nil {
			slog.Error("invalid guild id in config", "guild_id", ch.GuildID, "error", err)
			continue
		}
		if a.voice != nil {
			a.voice.Assign(guildID, ch.ChannelID)
		}

		handle, err := a.connector.Connect(ctx, guildID)
		if err != nil {
			slog.Error("voice connect failed", "guild_id", guildID, "channel_id", ch.ChannelID, "error", err)
			continue
		}
		if err := a.controller.Start(ctx, guildID, handle); err != nil {
			slog.Error("capture start failed", "guild_id", guildID, "error", err)
			continue
		}
		started = append(started, guildID)
	}
	return started
}

// Handler exposes the ops API without binding a listener. Used by tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Shutdown waits for in-flight archive writes (bounded by ctx) and closes
// the external resources in reverse open order. Safe to call more than
// once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		if a.archiving != nil {
			done := make(chan struct{})
			go func() {
				a.archiving.flush()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				slog.Warn("shutdown deadline hit with archive writes in flight")
			}
		}

		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(); err != nil {
				errs = append(errs, fmt.Errorf("app: close %s: %w", c.name, err))
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
