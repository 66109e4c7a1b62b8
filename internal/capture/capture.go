// Package capture supervises per-guild voice capture sessions: a periodic
// checkpoint loop that flushes accumulated audio into the buffer stores,
// empty-delivery tracking, and an escalating soft/hard recovery state
// machine for stuck sessions.
package capture

import (
	"context"
	"errors"
)

// Sentinel errors reported by capture handles. The controller branches on
// these to distinguish benign state mismatches from real failures.
var (
	// ErrAlreadyCapturing is returned by [Handle.Begin] when a capture is
	// already running on the handle.
	ErrAlreadyCapturing = errors.New("capture: already capturing")

	// ErrNotCapturing is returned by [Handle.End] when no capture is
	// running on the handle.
	ErrNotCapturing = errors.New("capture: not capturing")
)

// Handle is a live capture session on one guild's voice connection. The
// implementation owns audio delivery: End flushes everything accumulated
// since Begin into the buffer stores and reports how many chunks were
// delivered. Stop/start calls may be slow; the controller never invokes
// them while holding locks shared with the ingestion path.
type Handle interface {
	// Begin starts accumulating audio. Returns [ErrAlreadyCapturing] when a
	// capture is already running.
	Begin() error

	// End stops the capture and flushes accumulated audio into the buffer
	// stores, returning the number of chunks delivered. Returns
	// [ErrNotCapturing] when no capture is running.
	End() (delivered int, err error)

	// Active reports whether a capture is currently running.
	Active() bool

	// Disconnect tears down the underlying voice connection. The handle is
	// unusable afterwards; hard recovery obtains a fresh one from a
	// [Connector].
	Disconnect() error
}

// Connector re-establishes a guild's voice connection, yielding a fresh
// [Handle]. Used by hard recovery after repeated soft recoveries fail.
type Connector interface {
	Connect(ctx context.Context, guildID uint64) (Handle, error)
}
