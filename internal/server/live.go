package server

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/internal/replay"
)

// liveSnapshot is one frame of the /debug/live diagnostics feed.
type liveSnapshot struct {
	Time            time.Time            `json:"time"`
	Replay          replay.Stats         `json:"replay"`
	ContinuousBytes int64                `json:"continuous_bytes"`
	RelayBytes      int64                `json:"relay_bytes"`
	Health          []buffer.HealthEntry `json:"health,omitempty"`
}

// handleLive upgrades GET /debug/live to a WebSocket and streams
// diagnostics snapshots until the client or server goes away. An optional
// guild parameter adds that guild's buffer health to each frame.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUint64(r, "guild")
	if err != nil {
		writeError(w, http.StatusBadRequest, "guild must be a snowflake")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("live feed upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := r.Context()
	ticker := time.NewTicker(s.liveInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, s.snapshot(guildID)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		case <-ticker.C:
		}
	}
}

// snapshot assembles one live diagnostics frame.
func (s *Server) snapshot(guildID uint64) liveSnapshot {
	snap := liveSnapshot{
		Time:            time.Now().UTC(),
		Replay:          s.replays.Stats(),
		ContinuousBytes: s.store.TotalBytes(),
	}
	if s.relayBytes != nil {
		snap.RelayBytes = s.relayBytes()
	}
	if guildID != 0 {
		snap.Health = s.store.HealthSummary(guildID, 0)
	}
	return snap
}
