package buffer

import (
	"sync"
	"time"
)

// fakeClock is a controllable time source shared by the store tests.
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

// pcmSeconds returns raw PCM bytes covering the given playing time at the
// default capture profile, filled with the given sample byte.
func pcmSeconds(seconds float64, fill byte) []byte {
	n := int(seconds * 48000 * 2 * 2)
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
