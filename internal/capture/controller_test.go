package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jinwktk/reverb/internal/capture"
	"github.com/jinwktk/reverb/internal/capture/mock"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestController returns a controller whose checkpoint loop never ticks
// on its own; tests drive cycles through ForceCheckpoint with a fake clock.
func newTestController(t *testing.T, conn capture.Connector, clock *fakeClock) *capture.Controller {
	t.Helper()
	return capture.NewController(conn,
		capture.WithCheckpointInterval(time.Hour),
		capture.WithEmptyThreshold(2),
		capture.WithSoftCooldown(10*time.Second),
		capture.WithRecentAudioWindow(180*time.Second),
		capture.WithIdleRetry(300*time.Second),
		capture.WithHardThreshold(3),
		capture.WithControllerClock(clock.Now),
	)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := mock.NewHandle()
	c := newTestController(t, mock.NewConnector(nil), clock)

	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(1)
	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if got := h.Count("begin"); got != 1 {
		t.Errorf("begin calls = %d, want 1", got)
	}
}

func TestSoftRecoveryAfterEmptyStreak(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := mock.NewHandle()
	c := newTestController(t, mock.NewConnector(nil), clock)

	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(1)

	// A delivery first so the recent-audio gate is open.
	h.QueueDelivery(3)
	if !c.ForceCheckpoint(1) {
		t.Fatal("checkpoint with queued delivery reported empty")
	}

	clock.Advance(time.Second)
	c.ForceCheckpoint(1) // empty #1
	clock.Advance(time.Second)
	c.ForceCheckpoint(1) // empty #2 reaches the threshold

	// Start + 3 checkpoint restarts + 1 recovery restart.
	if got := h.Count("begin"); got != 5 {
		t.Errorf("begin calls = %d, want 5", got)
	}
	// 3 checkpoint flushes + 1 recovery stop.
	if got := h.Count("end"); got != 4 {
		t.Errorf("end calls = %d, want 4", got)
	}

	// Counter reset: the next empty checkpoint is streak #1 again and must
	// not trigger another recovery.
	clock.Advance(time.Second)
	c.ForceCheckpoint(1)
	if got := h.Count("end"); got != 5 {
		t.Errorf("end calls after reset = %d, want 5 (no extra recovery)", got)
	}
}

func TestHardRecoveryAfterFailedSoftAttempts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := mock.NewHandle()
	h2 := mock.NewHandle()
	conn := mock.NewConnector(h2)
	c := newTestController(t, conn, clock)

	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(1)

	h.QueueDelivery(1)
	c.ForceCheckpoint(1)

	// Every restart now fails, so each eligible recovery attempt fails.
	h.SetBeginErr(errors.New("voice stream wedged"))

	clock.Advance(time.Second)
	c.ForceCheckpoint(1) // empty #1
	clock.Advance(time.Second)
	c.ForceCheckpoint(1) // empty #2: soft attempt 1 fails
	clock.Advance(11 * time.Second)
	c.ForceCheckpoint(1) // soft attempt 2 fails
	clock.Advance(11 * time.Second)
	c.ForceCheckpoint(1) // soft attempt 3 fails, escalates to hard

	if got := conn.Calls(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if got := h.Count("disconnect"); got != 1 {
		t.Errorf("disconnects = %d, want 1", got)
	}
	if got := h2.Count("begin"); got != 1 {
		t.Errorf("begins on fresh handle = %d, want 1", got)
	}

	// Subsequent checkpoints run on the fresh handle with reset counters.
	clock.Advance(time.Second)
	c.ForceCheckpoint(1)
	if got := h2.Count("end"); got != 1 {
		t.Errorf("ends on fresh handle = %d, want 1", got)
	}
	if got := conn.Calls(); got != 1 {
		t.Errorf("reconnects after recovery = %d, want still 1", got)
	}
}

func TestRecoverySkippedWithoutRecentAudio(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := mock.NewHandle()
	c := newTestController(t, mock.NewConnector(nil), clock)

	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(1)

	// No audio has ever been heard: the streak reaches the threshold but
	// recovery is deferred to the idle cadence.
	c.ForceCheckpoint(1)
	clock.Advance(time.Second)
	c.ForceCheckpoint(1)

	if got := h.Count("end"); got != 2 {
		t.Errorf("end calls = %d, want 2 (no recovery yet)", got)
	}

	// After the idle retry interval the attempt goes ahead.
	clock.Advance(301 * time.Second)
	c.ForceCheckpoint(1)
	if got := h.Count("end"); got != 4 {
		t.Errorf("end calls = %d, want 4 (checkpoint plus recovery stop)", got)
	}
}

func TestStopCancelsLoopAndFlushes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	h := mock.NewHandle()
	c := newTestController(t, mock.NewConnector(nil), clock)

	if err := c.Start(context.Background(), 1, h); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop(1)

	if c.Active(1) {
		t.Error("session still active after Stop")
	}
	if got := h.Count("end"); got != 1 {
		t.Errorf("end calls = %d, want 1 (final flush)", got)
	}
	if h.Active() {
		t.Error("capture still running after Stop")
	}

	// Stopping again and checkpointing a stopped guild are no-ops.
	c.Stop(1)
	if c.ForceCheckpoint(1) {
		t.Error("ForceCheckpoint on a stopped guild reported audio")
	}
}
