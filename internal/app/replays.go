package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jinwktk/reverb/internal/archive"
	"github.com/jinwktk/reverb/internal/replay"
	"github.com/jinwktk/reverb/internal/server"
)

// archiveSaveTimeout bounds one background archive write.
const archiveSaveTimeout = 10 * time.Second

// Compile-time interface assertion.
var _ server.ReplaySource = (*archivingReplays)(nil)

// archivingReplays decorates a replay source so every generated result is
// persisted to the archive. The record ID is derived from the result's
// generation time, which makes the save idempotent: cache hits and
// coalesced requests re-surface the same result, and the duplicate insert
// is treated as already archived.
type archivingReplays struct {
	server.ReplaySource

	store archive.Store

	// saves tracks in-flight background writes so shutdown and tests can
	// wait for them.
	saves sync.WaitGroup
}

func newArchivingReplays(inner server.ReplaySource, store archive.Store) *archivingReplays {
	return &archivingReplays{ReplaySource: inner, store: store}
}

// GetReplayAudio serves the request and archives a non-empty result in the
// background. Archive failures never fail the replay.
func (a *archivingReplays) GetReplayAudio(ctx context.Context, req replay.Request) (*replay.Result, error) {
	res, err := a.ReplaySource.GetReplayAudio(ctx, req)
	if err != nil || res == nil {
		return res, err
	}

	a.saves.Add(1)
	go func() {
		defer a.saves.Done()
		a.save(req, res)
	}()
	return res, nil
}

func (a *archivingReplays) save(req replay.Request, res *replay.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
	defer cancel()

	rec := &archive.Record{
		ID:        archive.NewID(res.GeneratedAt),
		GuildID:   req.GuildID,
		UserID:    req.UserID,
		Duration:  res.TotalDuration,
		UserCount: res.UserCount,
		Audio:     res.Audio,
	}
	err := a.store.Save(ctx, rec)
	switch {
	case errors.Is(err, archive.ErrAlreadyExists):
		slog.Debug("replay already archived", "id", rec.ID, "guild_id", req.GuildID)
	case err != nil:
		slog.Warn("replay archive write failed",
			"guild_id", req.GuildID,
			"size_bytes", len(res.Audio),
			"error", err,
		)
	default:
		slog.Debug("replay archived",
			"id", rec.ID,
			"guild_id", req.GuildID,
			"size_bytes", rec.SizeBytes,
		)
	}
}

// flush waits for all in-flight archive writes to finish.
func (a *archivingReplays) flush() {
	a.saves.Wait()
}
