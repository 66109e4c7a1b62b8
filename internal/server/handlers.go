package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/internal/replay"
	"github.com/jinwktk/reverb/pkg/wav"
)

// defaultRangeWindow is the /v1/range lookback when no duration is given.
const defaultRangeWindow = 60 * time.Second

// errorBody is the JSON response for client and server errors.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// handleReplay serves GET /v1/replay?guild=&user=&duration=&normalize=&mix=
// as a WAV download. 204 means the buffers hold nothing for the request.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUint64(r, "guild")
	if err != nil || guildID == 0 {
		writeError(w, http.StatusBadRequest, "guild is required")
		return
	}
	userID, err := queryUint64(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, "user must be a snowflake")
		return
	}
	duration, err := querySeconds(r, "duration")
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration must be seconds")
		return
	}

	res, err := s.replays.GetReplayAudio(r.Context(), replay.Request{
		GuildID:   guildID,
		UserID:    userID,
		Duration:  duration,
		Normalize: queryBool(r, "normalize"),
		MixUsers:  queryBool(r, "mix"),
	})
	if err != nil {
		if errors.Is(err, replay.ErrUpstreamTimeout) {
			writeError(w, http.StatusGatewayTimeout, "buffer read timed out, try again")
			return
		}
		observe.Logger(r.Context()).Error("replay generation failed",
			"guild_id", guildID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "replay generation failed")
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("X-Replay-Users", strconv.Itoa(res.UserCount))
	w.Header().Set("X-Replay-Duration", fmt.Sprintf("%.1f", res.TotalDuration.Seconds()))
	name := fmt.Sprintf("replay_%d_%d.wav", guildID, res.GeneratedAt.Unix())
	serveWAV(w, name, res.Audio)
}

// rangeEntry is one user's slice of a /v1/range summary response.
type rangeEntry struct {
	UserID          uint64  `json:"user_id"`
	SizeBytes       int     `json:"size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// handleRange serves GET /v1/range?guild=&user=&duration=. With a user it
// returns that user's merged audio as a WAV download; without one it
// returns a JSON summary of what each user's merge would contain.
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUint64(r, "guild")
	if err != nil || guildID == 0 {
		writeError(w, http.StatusBadRequest, "guild is required")
		return
	}
	userID, err := queryUint64(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, "user must be a snowflake")
		return
	}
	duration, err := querySeconds(r, "duration")
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration must be seconds")
		return
	}
	if duration <= 0 {
		duration = defaultRangeWindow
	}

	ranges := s.store.ExtractRange(guildID, userID, duration)
	if len(ranges) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if userID != 0 {
		payload, ok := ranges[userID]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		name := fmt.Sprintf("range_%d_%d.wav", guildID, userID)
		serveWAV(w, name, payload)
		return
	}

	entries := make([]rangeEntry, 0, len(ranges))
	for uid, payload := range ranges {
		e := rangeEntry{UserID: uid, SizeBytes: len(payload)}
		if info, err := wav.ParseInfo(payload); err == nil {
			e.DurationSeconds = info.Duration.Seconds()
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

// healthSummaryBody is the /v1/health-summary response.
type healthSummaryBody struct {
	GuildID    uint64               `json:"guild_id"`
	Users      []buffer.HealthEntry `json:"users"`
	TotalBytes int64                `json:"total_bytes"`
}

// handleHealthSummary serves GET /v1/health-summary?guild=&user=.
func (s *Server) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUint64(r, "guild")
	if err != nil || guildID == 0 {
		writeError(w, http.StatusBadRequest, "guild is required")
		return
	}
	userID, err := queryUint64(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, "user must be a snowflake")
		return
	}

	writeJSON(w, http.StatusOK, healthSummaryBody{
		GuildID:    guildID,
		Users:      s.store.HealthSummary(guildID, userID),
		TotalBytes: s.store.TotalBytes(),
	})
}

// statsBody is the /v1/stats response.
type statsBody struct {
	Replay          replay.Stats `json:"replay"`
	ContinuousBytes int64        `json:"continuous_bytes"`
	RelayBytes      int64        `json:"relay_bytes"`
}

// handleStats serves GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	body := statsBody{
		Replay:          s.replays.Stats(),
		ContinuousBytes: s.store.TotalBytes(),
	}
	if s.relayBytes != nil {
		body.RelayBytes = s.relayBytes()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleArchiveList serves GET /v1/archive?guild=&limit=.
func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	guildID, err := queryUint64(r, "guild")
	if err != nil {
		writeError(w, http.StatusBadRequest, "guild must be a snowflake")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}

	recs, err := s.archive.List(r.Context(), guildID, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("archive list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleArchiveGet serves GET /v1/archive/{id} as a WAV download.
func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.archive.Get(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("archive get failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no such replay")
		return
	}
	serveWAV(w, rec.ID+".wav", rec.Audio)
}

// serveWAV writes payload as an attachment download.
func serveWAV(w http.ResponseWriter, name string, payload []byte) {
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Write(payload)
}

// queryUint64 parses an optional snowflake query parameter; absent means 0.
func queryUint64(r *http.Request, key string) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// querySeconds parses an optional fractional-seconds query parameter;
// absent means 0.
func querySeconds(r *http.Request, key string) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("server: parse %s: invalid seconds %q", key, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// queryBool reports whether a flag parameter is set to a truthy value.
func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}
