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

// Default byte budgets and expiry for the relay buffer.
const (
	DefaultPerUserBytes  = 20 << 20
	DefaultPerGuildBytes = 100 << 20
	DefaultGlobalBytes   = 300 << 20
	DefaultRelayExpiry   = 300 * time.Second
)

// relayEntry pairs a chunk with its decoded PCM view so query consumers
// never re-parse the container. Size accounting covers both copies.
type relayEntry struct {
	chunk Chunk
	pcm   []byte
}

func (e relayEntry) size() int64 {
	return int64(len(e.chunk.Payload) + len(e.pcm))
}

// userQueue is one user's entries in arrival order with a running byte size.
type userQueue struct {
	entries []relayEntry
	bytes   int64
}

// RelayBuffer is the eviction-first store for low-latency "last K seconds"
// reads. Growth is bounded by per-user, per-guild, and global byte budgets,
// resolved oldest-first in that order after every ingest, plus an
// age-based expiry pass on a fixed interval.
type RelayBuffer struct {
	perUser  int64
	perGuild int64
	global   int64
	expiry   time.Duration
	metrics  *observe.Metrics
	now      func() time.Time

	mu         sync.Mutex
	guilds     map[uint64]map[uint64]*userQueue
	guildBytes map[uint64]int64
	totalBytes int64
}

// RelayOption configures a [RelayBuffer].
type RelayOption func(*RelayBuffer)

// WithBudgets sets the per-user, per-guild, and global byte ceilings.
func WithBudgets(perUser, perGuild, global int64) RelayOption {
	return func(b *RelayBuffer) {
		b.perUser = perUser
		b.perGuild = perGuild
		b.global = global
	}
}

// WithRelayExpiry sets the age after which entries are dropped.
func WithRelayExpiry(d time.Duration) RelayOption {
	return func(b *RelayBuffer) { b.expiry = d }
}

// WithRelayMetrics wires metric instruments into the buffer.
func WithRelayMetrics(m *observe.Metrics) RelayOption {
	return func(b *RelayBuffer) { b.metrics = m }
}

// WithRelayClock overrides the time source for tests.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(b *RelayBuffer) { b.now = now }
}

// NewRelayBuffer creates an empty buffer with the given options applied.
func NewRelayBuffer(opts ...RelayOption) *RelayBuffer {
	b := &RelayBuffer{
		perUser:    DefaultPerUserBytes,
		perGuild:   DefaultPerGuildBytes,
		global:     DefaultGlobalBytes,
		expiry:     DefaultRelayExpiry,
		now:        time.Now,
		guilds:     make(map[uint64]map[uint64]*userQueue),
		guildBytes: make(map[uint64]int64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ingest appends a chunk for (guild, user) and then enforces the byte
// budgets. Payloads shorter than a container header are rejected. Returns
// true when the chunk was stored (it may still be evicted immediately by a
// budget smaller than the chunk itself).
func (b *RelayBuffer) Ingest(guildID, userID uint64, payload []byte, arrival time.Time) bool {
	if len(payload) < wav.HeaderSize {
		return false
	}
	c := NewChunk(guildID, userID, payload, arrival)
	e := relayEntry{chunk: c, pcm: c.PCM()}

	b.mu.Lock()
	defer b.mu.Unlock()

	users, ok := b.guilds[guildID]
	if !ok {
		users = make(map[uint64]*userQueue)
		b.guilds[guildID] = users
	}
	q, ok := users[userID]
	if !ok {
		q = &userQueue{}
		users[userID] = q
	}

	q.entries = append(q.entries, e)
	q.bytes += e.size()
	b.guildBytes[guildID] += e.size()
	b.addTotal(e.size())

	b.evictUserLocked(guildID, userID, q)
	b.evictGuildLocked(guildID)
	b.evictGlobalLocked()
	return true
}

// Query returns all non-expired chunks for the guild whose audio overlaps
// [now-duration, now], ordered by start time. userID 0 selects all users.
func (b *RelayBuffer) Query(guildID uint64, duration time.Duration, userID uint64) []Chunk {
	now := b.now()
	from := now.Add(-duration)
	cutoff := now.Add(-b.expiry)

	b.mu.Lock()
	var out []Chunk
	for uid, q := range b.guilds[guildID] {
		if userID != 0 && uid != userID {
			continue
		}
		for _, e := range q.entries {
			if e.chunk.End().Before(cutoff) {
				continue
			}
			if e.chunk.overlaps(from, now) {
				out = append(out, e.chunk)
			}
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start().Before(out[j].Start()) })
	return out
}

// Cleanup drops entries older than the expiry window and removes emptied
// user and guild keys. Returns the number of entries dropped.
func (b *RelayBuffer) Cleanup() int {
	cutoff := b.now().Add(-b.expiry)
	dropped := 0

	b.mu.Lock()
	for gid, users := range b.guilds {
		for uid, q := range users {
			kept := q.entries[:0]
			for _, e := range q.entries {
				if e.chunk.End().Before(cutoff) {
					q.bytes -= e.size()
					b.guildBytes[gid] -= e.size()
					b.addTotal(-e.size())
					dropped++
					continue
				}
				kept = append(kept, e)
			}
			q.entries = kept
			if len(q.entries) == 0 {
				delete(users, uid)
			}
		}
		if len(users) == 0 {
			delete(b.guilds, gid)
			delete(b.guildBytes, gid)
		}
	}
	b.mu.Unlock()

	if dropped > 0 {
		if b.metrics != nil {
			b.metrics.RecordEviction(context.Background(), "expired", int64(dropped))
		}
		slog.Debug("relay buffer expiry pass", "dropped", dropped)
	}
	return dropped
}

// Run performs expiry passes on the given interval until ctx is cancelled.
func (b *RelayBuffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Cleanup()
		}
	}
}

// TotalBytes reports the bytes currently held across all guilds.
func (b *RelayBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// evictUserLocked drops a user's oldest entries until the per-user budget
// holds. Caller holds b.mu.
func (b *RelayBuffer) evictUserLocked(guildID, userID uint64, q *userQueue) {
	dropped := int64(0)
	for q.bytes > b.perUser && len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= e.size()
		b.guildBytes[guildID] -= e.size()
		b.addTotal(-e.size())
		dropped++
	}
	if len(q.entries) == 0 {
		delete(b.guilds[guildID], userID)
		b.removeGuildIfEmptyLocked(guildID)
	}
	if dropped > 0 && b.metrics != nil {
		b.metrics.RecordEviction(context.Background(), "user", dropped)
	}
}

// evictGuildLocked drops the guild's oldest entries across all of its users
// until the per-guild budget holds. Caller holds b.mu.
func (b *RelayBuffer) evictGuildLocked(guildID uint64) {
	dropped := int64(0)
	for b.guildBytes[guildID] > b.perGuild {
		uid, q := oldestQueue(b.guilds[guildID])
		if q == nil {
			break
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.bytes -= e.size()
		b.guildBytes[guildID] -= e.size()
		b.addTotal(-e.size())
		dropped++
		if len(q.entries) == 0 {
			delete(b.guilds[guildID], uid)
		}
	}
	b.removeGuildIfEmptyLocked(guildID)
	if dropped > 0 && b.metrics != nil {
		b.metrics.RecordEviction(context.Background(), "guild", dropped)
	}
}

// evictGlobalLocked drops the globally oldest entries until the global
// budget holds. Caller holds b.mu.
func (b *RelayBuffer) evictGlobalLocked() {
	dropped := int64(0)
	for b.totalBytes > b.global {
		var (
			oldestGID uint64
			oldestUID uint64
			oldest    *userQueue
		)
		for gid, users := range b.guilds {
			uid, q := oldestQueue(users)
			if q == nil {
				continue
			}
			if oldest == nil || q.entries[0].chunk.Arrival.Before(oldest.entries[0].chunk.Arrival) {
				oldestGID, oldestUID, oldest = gid, uid, q
			}
		}
		if oldest == nil {
			break
		}
		e := oldest.entries[0]
		oldest.entries = oldest.entries[1:]
		oldest.bytes -= e.size()
		b.guildBytes[oldestGID] -= e.size()
		b.addTotal(-e.size())
		dropped++
		if len(oldest.entries) == 0 {
			delete(b.guilds[oldestGID], oldestUID)
			b.removeGuildIfEmptyLocked(oldestGID)
		}
	}
	if dropped > 0 && b.metrics != nil {
		b.metrics.RecordEviction(context.Background(), "global", dropped)
	}
}

// removeGuildIfEmptyLocked deletes a guild with no remaining users. Caller
// holds b.mu.
func (b *RelayBuffer) removeGuildIfEmptyLocked(guildID uint64) {
	if users, ok := b.guilds[guildID]; ok && len(users) == 0 {
		delete(b.guilds, guildID)
		delete(b.guildBytes, guildID)
	}
}

// addTotal adjusts the global byte total and its gauge. Caller holds b.mu.
func (b *RelayBuffer) addTotal(delta int64) {
	b.totalBytes += delta
	if b.metrics != nil {
		b.metrics.RelayBytes.Add(context.Background(), delta)
	}
}

// oldestQueue returns the user whose head entry is oldest by arrival time.
func oldestQueue(users map[uint64]*userQueue) (uint64, *userQueue) {
	var (
		oldestUID uint64
		oldest    *userQueue
	)
	for uid, q := range users {
		if len(q.entries) == 0 {
			continue
		}
		if oldest == nil || q.entries[0].chunk.Arrival.Before(oldest.entries[0].chunk.Arrival) {
			oldestUID, oldest = uid, q
		}
	}
	return oldestUID, oldest
}
