package archive

import (
	"context"
	"log/slog"
	"time"
)

// Janitor deletes expired archive records on an interval.
type Janitor struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// JanitorOption configures a [Janitor].
type JanitorOption func(*Janitor)

// WithJanitorClock overrides the time source for tests.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a janitor removing records older than retention.
func NewJanitor(store Store, retention time.Duration, opts ...JanitorOption) *Janitor {
	j := &Janitor{store: store, retention: retention, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Sweep deletes all records past the retention window once.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	return j.store.DeleteOlderThan(ctx, j.now().Add(-j.retention))
}

// Run sweeps every interval until ctx is cancelled. Sweep failures are
// logged and retried on the next tick.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				slog.Warn("archive sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("archive sweep removed expired replays", "deleted", n)
			}
		}
	}
}
