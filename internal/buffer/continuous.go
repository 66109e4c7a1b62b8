package buffer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/pkg/wav"
)

// Default tuning for the continuous store.
const (
	DefaultRetention      = 300 * time.Second
	DefaultDedupTolerance = 200 * time.Millisecond
	DefaultPruneInterval  = 60 * time.Second

	// healthSummaryCap bounds the number of entries a health summary returns.
	healthSummaryCap = 10
)

// HealthEntry is one row of a buffer health summary.
type HealthEntry struct {
	UserID           uint64  `json:"user_id"`
	ChunkCount       int     `json:"chunk_count"`
	SecondsSinceLast float64 `json:"seconds_since_last"`
}

// ContinuousStore holds, per (guild, user), a time-windowed sequence of
// chunks and answers "everything overlapping [now-duration, now]" queries.
// All methods are safe for concurrent use; a single coarse mutex guards the
// chunk maps and readers receive copies, never live slices.
type ContinuousStore struct {
	retention time.Duration
	tolerance time.Duration
	metrics   *observe.Metrics
	now       func() time.Time

	mu     sync.Mutex
	guilds map[uint64]map[uint64][]Chunk
	bytes  int64
}

// ContinuousOption configures a [ContinuousStore].
type ContinuousOption func(*ContinuousStore)

// WithRetention sets how long chunks stay queryable.
func WithRetention(d time.Duration) ContinuousOption {
	return func(s *ContinuousStore) { s.retention = d }
}

// WithDedupTolerance sets the start-time window within which an identical
// payload counts as a duplicate delivery.
func WithDedupTolerance(d time.Duration) ContinuousOption {
	return func(s *ContinuousStore) { s.tolerance = d }
}

// WithContinuousMetrics wires metric instruments into the store.
func WithContinuousMetrics(m *observe.Metrics) ContinuousOption {
	return func(s *ContinuousStore) { s.metrics = m }
}

// WithContinuousClock overrides the time source. Tests use this to control
// retention and dedup windows.
func WithContinuousClock(now func() time.Time) ContinuousOption {
	return func(s *ContinuousStore) { s.now = now }
}

// NewContinuousStore creates an empty store with the given options applied.
func NewContinuousStore(opts ...ContinuousOption) *ContinuousStore {
	s := &ContinuousStore{
		retention: DefaultRetention,
		tolerance: DefaultDedupTolerance,
		now:       time.Now,
		guilds:    make(map[uint64]map[uint64][]Chunk),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add normalizes payload into a chunk and appends it to the (guild, user)
// list. It returns false when the chunk is an empty payload or a duplicate
// re-delivery of the previous entry: same content digest with start and end
// times within the dedup tolerance. Expired entries are pruned after every
// add.
func (s *ContinuousStore) Add(guildID, userID uint64, payload []byte, arrival time.Time) bool {
	if len(payload) == 0 {
		return false
	}
	c := NewChunk(guildID, userID, payload, arrival)

	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.guilds[guildID]
	if !ok {
		users = make(map[uint64][]Chunk)
		s.guilds[guildID] = users
	}

	// A checkpoint and the subsequent finish callback can re-deliver the
	// same audio; compare against the immediately preceding entry only.
	if list := users[userID]; len(list) > 0 {
		prev := list[len(list)-1]
		if prev.Digest == c.Digest && within(prev.Start(), c.Start(), s.tolerance) && within(prev.End(), c.End(), s.tolerance) {
			if s.metrics != nil {
				s.metrics.RecordIngest(context.Background(), "duplicate")
			}
			return false
		}
	}

	users[userID] = append(users[userID], c)
	s.addBytes(int64(len(c.Payload)))
	s.pruneLocked(s.now())

	if s.metrics != nil {
		s.metrics.RecordIngest(context.Background(), "accepted")
	}
	return true
}

// ExtractRange prunes expired entries, then returns one merged WAV payload
// per user whose chunks overlap [now-duration, now]. userID 0 selects all
// users in the guild. Users without overlapping chunks are omitted.
func (s *ContinuousStore) ExtractRange(guildID uint64, userID uint64, duration time.Duration) map[uint64][]byte {
	now := s.now()
	from := now.Add(-duration)

	s.mu.Lock()
	s.pruneLocked(now)
	users := s.guilds[guildID]

	selected := make(map[uint64][]Chunk)
	for uid, list := range users {
		if userID != 0 && uid != userID {
			continue
		}
		var hits []Chunk
		for _, c := range list {
			if c.overlaps(from, now) {
				hits = append(hits, c)
			}
		}
		if len(hits) > 0 {
			selected[uid] = hits
		}
	}
	guildPopulated := len(users) > 0
	var ages map[uint64]float64
	if len(selected) == 0 && guildPopulated {
		ages = lastChunkAges(users, now)
	}
	s.mu.Unlock()

	if len(selected) == 0 {
		if guildPopulated {
			slog.Warn("range extraction found no overlapping chunks",
				"guild_id", guildID,
				"user_id", userID,
				"window_seconds", duration.Seconds(),
				"last_chunk_age_seconds", ages,
			)
		}
		return nil
	}

	out := make(map[uint64][]byte, len(selected))
	for uid, hits := range selected {
		// Delivery across the checkpoint boundary can interleave, so order
		// by computed start time rather than arrival order.
		sort.Slice(hits, func(i, j int) bool { return hits[i].Start().Before(hits[j].Start()) })
		if merged := mergeChunks(hits); merged != nil {
			out[uid] = merged
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HealthSummary returns per-user chunk counts and freshness for a guild,
// sorted most-recently-heard first and capped to a small number of rows.
// userID 0 selects all users.
func (s *ContinuousStore) HealthSummary(guildID, userID uint64) []HealthEntry {
	now := s.now()

	s.mu.Lock()
	s.pruneLocked(now)
	var entries []HealthEntry
	for uid, list := range s.guilds[guildID] {
		if userID != 0 && uid != userID {
			continue
		}
		if len(list) == 0 {
			continue
		}
		last := list[len(list)-1].End()
		entries = append(entries, HealthEntry{
			UserID:           uid,
			ChunkCount:       len(list),
			SecondsSinceLast: now.Sub(last).Seconds(),
		})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SecondsSinceLast < entries[j].SecondsSinceLast
	})
	if len(entries) > healthSummaryCap {
		entries = entries[:healthSummaryCap]
	}
	return entries
}

// Prune drops all entries older than the retention window.
func (s *ContinuousStore) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
}

// Run prunes on the given interval until ctx is cancelled.
func (s *ContinuousStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// TotalBytes reports the payload bytes currently held.
func (s *ContinuousStore) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// pruneLocked drops entries whose end time fell out of the retention window
// and removes emptied user and guild keys. Caller holds s.mu.
func (s *ContinuousStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.retention)
	for gid, users := range s.guilds {
		for uid, list := range users {
			kept := list[:0]
			for _, c := range list {
				if c.End().Before(cutoff) {
					s.addBytes(-int64(len(c.Payload)))
					continue
				}
				kept = append(kept, c)
			}
			if len(kept) == 0 {
				delete(users, uid)
			} else {
				users[uid] = kept
			}
		}
		if len(users) == 0 {
			delete(s.guilds, gid)
		}
	}
}

// addBytes adjusts the byte total and its gauge. Caller holds s.mu.
func (s *ContinuousStore) addBytes(delta int64) {
	s.bytes += delta
	if s.metrics != nil {
		s.metrics.ContinuousBytes.Add(context.Background(), delta)
	}
}

// mergeChunks concatenates the sample regions of chunks (already sorted by
// start time) under the first chunk's header and repairs the declared
// sizes. Chunks whose payload cannot be parsed are skipped with a warning.
func mergeChunks(chunks []Chunk) []byte {
	var out []byte
	for _, c := range chunks {
		pcm := c.PCM()
		if pcm == nil {
			slog.Warn("skipping unparseable chunk during merge",
				"guild_id", c.GuildID,
				"user_id", c.UserID,
				"payload_bytes", len(c.Payload),
			)
			continue
		}
		if out == nil {
			out = append(out, c.Payload...)
			continue
		}
		out = append(out, pcm...)
	}
	if out == nil {
		return nil
	}
	return wav.FixSizes(out)
}

// lastChunkAges snapshots seconds since each user's newest chunk, for the
// empty-extraction diagnostic. Caller holds s.mu.
func lastChunkAges(users map[uint64][]Chunk, now time.Time) map[uint64]float64 {
	ages := make(map[uint64]float64, len(users))
	for uid, list := range users {
		if len(list) == 0 {
			continue
		}
		ages[uid] = now.Sub(list[len(list)-1].End()).Seconds()
	}
	return ages
}

// within reports whether a and b differ by at most tol.
func within(a, b time.Time, tol time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}
