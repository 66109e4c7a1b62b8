package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinwktk/reverb/internal/observe"
)

// Default tuning for the controller state machine.
const (
	DefaultCheckpointInterval = 5 * time.Second
	DefaultEmptyThreshold     = 6
	DefaultSoftCooldown       = 20 * time.Second
	DefaultRecentAudioWindow  = 180 * time.Second
	DefaultIdleRetry          = 300 * time.Second
	DefaultHardThreshold      = 3

	// connectTimeout bounds the reconnect call during hard recovery.
	connectTimeout = 30 * time.Second
)

// session is the per-guild state machine record. Its own mutex serialises
// checkpoint, recovery, and stop against each other without blocking
// operations on other guilds.
type session struct {
	guildID uint64

	mu           sync.Mutex
	handle       Handle
	emptyCount   int
	lastAudio    time.Time // zero: audio never seen
	softFailures int
	lastRecovery time.Time // zero: recovery never attempted
	stop         chan struct{}
	stopped      chan struct{}
}

// Controller supervises capture sessions for all guilds. Each started guild
// runs a checkpoint loop that periodically flushes accumulated audio via the
// handle and restarts the capture so the pipeline behaves like a rolling
// window. Sessions that repeatedly deliver nothing are recovered, first by
// a capture restart and, after repeated failures, by a full voice
// reconnect. There is no terminal failed state: recovery keeps retrying on
// the cooldown cadence.
type Controller struct {
	interval       time.Duration
	emptyThreshold int
	cooldown       time.Duration
	recentWindow   time.Duration
	idleRetry      time.Duration
	hardThreshold  int
	connector      Connector
	metrics        *observe.Metrics
	now            func() time.Time

	mu       sync.Mutex
	sessions map[uint64]*session
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithCheckpointInterval sets the checkpoint loop cadence.
func WithCheckpointInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.interval = d }
}

// WithEmptyThreshold sets how many consecutive empty checkpoint deliveries
// trigger a soft recovery.
func WithEmptyThreshold(n int) ControllerOption {
	return func(c *Controller) { c.emptyThreshold = n }
}

// WithSoftCooldown sets the minimum gap between recovery attempts.
func WithSoftCooldown(d time.Duration) ControllerOption {
	return func(c *Controller) { c.cooldown = d }
}

// WithRecentAudioWindow sets how recently audio must have been heard for
// recovery to be worth attempting on the normal cooldown.
func WithRecentAudioWindow(d time.Duration) ControllerOption {
	return func(c *Controller) { c.recentWindow = d }
}

// WithIdleRetry sets the recovery retry interval for guilds with no recent
// audio.
func WithIdleRetry(d time.Duration) ControllerOption {
	return func(c *Controller) { c.idleRetry = d }
}

// WithHardThreshold sets how many consecutive failed soft recoveries
// escalate to a full reconnect.
func WithHardThreshold(n int) ControllerOption {
	return func(c *Controller) { c.hardThreshold = n }
}

// WithControllerMetrics wires metric instruments into the controller.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithControllerClock overrides the time source for tests.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller using connector for hard recovery.
func NewController(connector Connector, opts ...ControllerOption) *Controller {
	c := &Controller{
		interval:       DefaultCheckpointInterval,
		emptyThreshold: DefaultEmptyThreshold,
		cooldown:       DefaultSoftCooldown,
		recentWindow:   DefaultRecentAudioWindow,
		idleRetry:      DefaultIdleRetry,
		hardThreshold:  DefaultHardThreshold,
		connector:      connector,
		now:            time.Now,
		sessions:       make(map[uint64]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins capturing on handle and launches the guild's checkpoint
// loop. Starting an already-started guild is a no-op. The loop runs until
// [Controller.Stop] is called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context, guildID uint64, handle Handle) error {
	c.mu.Lock()
	if _, ok := c.sessions[guildID]; ok {
		c.mu.Unlock()
		return nil
	}

	if err := handle.Begin(); err != nil && !errors.Is(err, ErrAlreadyCapturing) {
		c.mu.Unlock()
		return fmt.Errorf("capture: start guild %d: %w", guildID, err)
	}

	s := &session{
		guildID: guildID,
		handle:  handle,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.sessions[guildID] = s
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("capture session started", "guild_id", guildID)

	go c.run(ctx, s)
	return nil
}

// Stop cancels the guild's checkpoint loop, waits for it to exit, stops the
// capture, and discards the session record. Stopping an unknown guild is a
// no-op.
func (c *Controller) Stop(guildID uint64) {
	c.mu.Lock()
	s, ok := c.sessions[guildID]
	if ok {
		delete(c.sessions, guildID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	// The loop must be gone before the final flush so a late tick cannot
	// revive the capture.
	close(s.stop)
	<-s.stopped

	s.mu.Lock()
	if _, err := s.handle.End(); err != nil && !errors.Is(err, ErrNotCapturing) {
		slog.Warn("final capture flush failed", "guild_id", guildID, "error", err)
	}
	s.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("capture session stopped", "guild_id", guildID)
}

// ForceCheckpoint runs one checkpoint cycle immediately, outside the loop
// cadence. Returns true when the flush delivered audio, false when it was
// empty or the guild has no session.
func (c *Controller) ForceCheckpoint(guildID uint64) bool {
	c.mu.Lock()
	s, ok := c.sessions[guildID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.checkpoint(context.Background(), s)
}

// Active reports whether the guild has a running session.
func (c *Controller) Active(guildID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[guildID]
	return ok
}

// run is the per-guild checkpoint loop.
func (c *Controller) run(ctx context.Context, s *session) {
	defer close(s.stopped)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpoint(ctx, s)
		}
	}
}

// checkpoint flushes the capture and restarts it, updating the
// empty-delivery counters and triggering recovery when warranted. Returns
// true when audio was delivered.
func (c *Controller) checkpoint(ctx context.Context, s *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	delivered, err := s.handle.End()
	if err != nil && !errors.Is(err, ErrNotCapturing) {
		slog.Warn("checkpoint flush failed", "guild_id", s.guildID, "error", err)
		if c.metrics != nil {
			c.metrics.RecordCheckpoint(ctx, "error")
		}
	}
	if beginErr := s.handle.Begin(); beginErr != nil && !errors.Is(beginErr, ErrAlreadyCapturing) {
		slog.Warn("checkpoint restart failed", "guild_id", s.guildID, "error", beginErr)
	}

	if delivered > 0 {
		s.emptyCount = 0
		s.lastAudio = now
		if c.metrics != nil {
			c.metrics.RecordCheckpoint(ctx, "audio")
		}
		return true
	}

	s.emptyCount++
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(ctx, "empty")
	}
	if s.emptyCount == 1 || s.emptyCount%c.emptyThreshold == 0 {
		c.logSnapshot(s, now, "empty checkpoint milestone")
	}
	c.maybeRecover(ctx, s, now)
	return false
}

// maybeRecover runs the recovery escalation once the empty streak reaches
// the threshold, honoring the cooldown and the recent-audio gate. Caller
// holds s.mu.
func (c *Controller) maybeRecover(ctx context.Context, s *session, now time.Time) {
	if s.emptyCount < c.emptyThreshold {
		return
	}
	sinceRecovery := now.Sub(s.lastRecovery)
	if !s.lastRecovery.IsZero() && sinceRecovery < c.cooldown {
		return
	}

	heardRecently := !s.lastAudio.IsZero() && now.Sub(s.lastAudio) <= c.recentWindow
	if !heardRecently {
		// Nothing worth recovering for: the channel is quiet or was never
		// heard. Retry on the slower idle cadence only.
		if s.lastRecovery.IsZero() || sinceRecovery < c.idleRetry {
			if s.lastRecovery.IsZero() {
				s.lastRecovery = now
			}
			slog.Debug("recovery deferred, no recent audio",
				"guild_id", s.guildID,
				"empty_count", s.emptyCount,
			)
			return
		}
	}

	s.lastRecovery = now

	if s.softFailures >= c.hardThreshold {
		c.hardRecover(ctx, s, now)
		return
	}

	c.logSnapshot(s, now, "attempting soft recovery")
	if c.softRecover(s) {
		s.emptyCount = 0
		s.softFailures = 0
		if c.metrics != nil {
			c.metrics.RecordRecovery(ctx, "soft", "ok")
		}
		slog.Info("soft recovery succeeded", "guild_id", s.guildID)
		return
	}

	s.softFailures++
	if c.metrics != nil {
		c.metrics.RecordRecovery(ctx, "soft", "failed")
	}
	slog.Warn("soft recovery failed",
		"guild_id", s.guildID,
		"consecutive_failures", s.softFailures,
	)
	if s.softFailures >= c.hardThreshold {
		c.hardRecover(ctx, s, now)
	}
}

// softRecover restarts the capture on the existing handle: stop (tolerating
// already-stopped), then start. A start that reports an in-flight capture
// is stopped and retried exactly once. Caller holds s.mu.
func (c *Controller) softRecover(s *session) bool {
	if _, err := s.handle.End(); err != nil && !errors.Is(err, ErrNotCapturing) {
		slog.Warn("soft recovery stop failed", "guild_id", s.guildID, "error", err)
		return false
	}

	err := s.handle.Begin()
	if errors.Is(err, ErrAlreadyCapturing) {
		if _, e := s.handle.End(); e != nil && !errors.Is(e, ErrNotCapturing) {
			return false
		}
		err = s.handle.Begin()
	}
	if err != nil {
		slog.Warn("soft recovery restart failed", "guild_id", s.guildID, "error", err)
		return false
	}
	return true
}

// hardRecover tears down the voice connection, reconnects, and restarts
// capture on the fresh handle. On success both escalation counters reset;
// on failure the counters stay so the next eligible attempt escalates
// straight to hard recovery again. Caller holds s.mu.
func (c *Controller) hardRecover(ctx context.Context, s *session, now time.Time) {
	c.logSnapshot(s, now, "attempting hard recovery")

	if err := s.handle.Disconnect(); err != nil {
		slog.Warn("hard recovery disconnect failed", "guild_id", s.guildID, "error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	handle, err := c.connector.Connect(cctx, s.guildID)
	cancel()
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordRecovery(ctx, "hard", "failed")
		}
		slog.Error("hard recovery reconnect failed", "guild_id", s.guildID, "error", err)
		return
	}

	if err := handle.Begin(); err != nil && !errors.Is(err, ErrAlreadyCapturing) {
		if c.metrics != nil {
			c.metrics.RecordRecovery(ctx, "hard", "failed")
		}
		slog.Error("hard recovery restart failed", "guild_id", s.guildID, "error", err)
		s.handle = handle
		return
	}

	s.handle = handle
	s.emptyCount = 0
	s.softFailures = 0
	if c.metrics != nil {
		c.metrics.RecordRecovery(ctx, "hard", "ok")
	}
	slog.Info("hard recovery succeeded", "guild_id", s.guildID)
}

// logSnapshot emits the diagnostic state used to triage stuck sessions.
// Caller holds s.mu.
func (c *Controller) logSnapshot(s *session, now time.Time, msg string) {
	lastAudioAge := -1.0
	if !s.lastAudio.IsZero() {
		lastAudioAge = now.Sub(s.lastAudio).Seconds()
	}
	slog.Info(msg,
		"guild_id", s.guildID,
		"empty_count", s.emptyCount,
		"soft_failures", s.softFailures,
		"last_audio_age_seconds", lastAudioAge,
		"capture_active", s.handle.Active(),
	)
}
