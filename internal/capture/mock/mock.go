// Package mock provides scriptable capture collaborators for tests.
package mock

import (
	"context"
	"sync"

	"github.com/jinwktk/reverb/internal/capture"
)

// Handle is a scriptable [capture.Handle] that records every call and
// tracks its own capturing state the way a real voice adapter would.
type Handle struct {
	mu            sync.Mutex
	calls         []string
	active        bool
	deliveries    []int
	beginErr      error
	endErr        error
	disconnectErr error
}

var _ capture.Handle = (*Handle)(nil)

// NewHandle returns an inactive handle with no scripted behavior.
func NewHandle() *Handle {
	return &Handle{}
}

// QueueDelivery makes an upcoming successful End report n delivered chunks.
// Ends beyond the queued values report zero.
func (h *Handle) QueueDelivery(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = append(h.deliveries, n)
}

// SetBeginErr makes every subsequent Begin fail with err. Pass nil to
// restore normal behavior.
func (h *Handle) SetBeginErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beginErr = err
}

// SetEndErr makes every subsequent End fail with err.
func (h *Handle) SetEndErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endErr = err
}

// SetDisconnectErr makes Disconnect fail with err.
func (h *Handle) SetDisconnectErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectErr = err
}

func (h *Handle) Begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "begin")
	if h.beginErr != nil {
		return h.beginErr
	}
	if h.active {
		return capture.ErrAlreadyCapturing
	}
	h.active = true
	return nil
}

func (h *Handle) End() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "end")
	if h.endErr != nil {
		return 0, h.endErr
	}
	if !h.active {
		return 0, capture.ErrNotCapturing
	}
	h.active = false
	if len(h.deliveries) > 0 {
		n := h.deliveries[0]
		h.deliveries = h.deliveries[1:]
		return n, nil
	}
	return 0, nil
}

func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "disconnect")
	h.active = false
	return h.disconnectErr
}

// Count returns how many times op ("begin", "end", "disconnect") was called.
func (h *Handle) Count(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Calls returns a copy of the recorded call sequence.
func (h *Handle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

// Connector is a scriptable [capture.Connector].
type Connector struct {
	mu    sync.Mutex
	next  capture.Handle
	err   error
	calls int
}

var _ capture.Connector = (*Connector)(nil)

// NewConnector returns a connector that hands out next on Connect.
func NewConnector(next capture.Handle) *Connector {
	return &Connector{next: next}
}

// SetErr makes subsequent Connect calls fail with err.
func (c *Connector) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Connector) Connect(_ context.Context, _ uint64) (capture.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.next, nil
}

// Calls returns how many times Connect was invoked.
func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
