// Package replay turns "play back the last N seconds" requests into a
// single merged, optionally mixed and peak-limited audio payload. Equal
// requests within a short time bucket share one generation through a
// result cache and singleflight coalescing; the coordinator only ever
// reads from the buffer stores.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/observe"
	"github.com/jinwktk/reverb/pkg/pcmutil"
	"github.com/jinwktk/reverb/pkg/wav"
)

// Default tuning for the coordinator.
const (
	DefaultCacheTTL        = 60 * time.Second
	DefaultDuration        = 30 * time.Second
	DefaultMaxDuration     = 300 * time.Second
	DefaultMaxOutputBytes  = 50 << 20
	DefaultUpstreamTimeout = 5 * time.Second

	// coalescingBucket is the time granularity of the request fingerprint:
	// requests within the same bucket are considered equal.
	coalescingBucket = 10 * time.Second

	// normalizeTarget is the peak ratio the limiter rescales to.
	normalizeTarget = 0.90

	// mixGain is the fixed headroom gain applied after averaging streams.
	mixGain = 0.8
)

// ErrUpstreamTimeout is returned when a buffer read stalls past the
// configured bound. Callers should treat it as "try again", not as a
// permanent failure.
var ErrUpstreamTimeout = errors.New("replay: upstream buffer read timed out")

// Source is the buffer read interface the coordinator generates from.
// *buffer.RelayBuffer satisfies it.
type Source interface {
	Query(guildID uint64, duration time.Duration, userID uint64) []buffer.Chunk
}

var _ Source = (*buffer.RelayBuffer)(nil)

// Request describes one replay request. UserID 0 selects all speakers.
type Request struct {
	GuildID   uint64
	UserID    uint64
	Duration  time.Duration
	Normalize bool
	MixUsers  bool
}

// Result is a generated replay payload with its recoverable metadata.
type Result struct {
	// Audio is a self-describing WAV payload.
	Audio []byte

	TotalDuration time.Duration
	UserCount     int
	SampleRate    int
	Channels      int
	GeneratedAt   time.Time
}

// Stats is a snapshot of the coordinator's running counters.
type Stats struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	FailedRequests        int64   `json:"failed_requests"`
	CacheHits             int64   `json:"cache_hits"`
	AverageGenerationTime float64 `json:"average_generation_time"`
	CacheSize             int     `json:"cache_size"`
	ActiveRequests        int     `json:"active_requests"`
}

// cacheEntry pairs a generated result with its expiry.
type cacheEntry struct {
	res     *Result
	expires time.Time
}

// Coordinator serves replay requests with caching and coalescing. Safe for
// concurrent use.
type Coordinator struct {
	source          Source
	cacheTTL        time.Duration
	defaultDuration time.Duration
	maxDuration     time.Duration
	maxOutput       int64
	upstreamTimeout time.Duration
	metrics         *observe.Metrics
	now             func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cache  map[string]cacheEntry
	stats  Stats
	active int
}

// CoordinatorOption configures a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithCacheTTL sets how long generated results serve equal requests.
func WithCacheTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.cacheTTL = d }
}

// WithDurations sets the default and maximum request window.
func WithDurations(def, max time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaultDuration = def
		c.maxDuration = max
	}
}

// WithMaxOutputBytes sets the generated payload size ceiling.
func WithMaxOutputBytes(n int64) CoordinatorOption {
	return func(c *Coordinator) { c.maxOutput = n }
}

// WithUpstreamTimeout bounds a single buffer read during generation.
func WithUpstreamTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.upstreamTimeout = d }
}

// WithCoordinatorMetrics wires metric instruments into the coordinator.
func WithCoordinatorMetrics(m *observe.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCoordinatorClock overrides the time source for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator reading from source.
func NewCoordinator(source Source, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		source:          source,
		cacheTTL:        DefaultCacheTTL,
		defaultDuration: DefaultDuration,
		maxDuration:     DefaultMaxDuration,
		maxOutput:       DefaultMaxOutputBytes,
		upstreamTimeout: DefaultUpstreamTimeout,
		now:             time.Now,
		cache:           make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetReplayAudio serves one replay request. The return value is tagged:
// (nil, nil) means there is nothing to replay, (nil, err) a processing
// failure or upstream timeout, and a non-nil result carries the audio.
func (c *Coordinator) GetReplayAudio(ctx context.Context, req Request) (*Result, error) {
	dur := req.Duration
	if dur <= 0 {
		dur = c.defaultDuration
	}
	if dur > c.maxDuration {
		dur = c.maxDuration
	}

	fp := c.fingerprint(req, dur)

	c.mu.Lock()
	c.stats.TotalRequests++
	if entry, ok := c.cache[fp]; ok && c.now().Before(entry.expires) {
		c.stats.CacheHits++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordReplayRequest(ctx, "cached")
		}
		return entry.res, nil
	}
	c.active++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	v, err, shared := c.group.Do(fp, func() (any, error) {
		// A coalesced predecessor may have populated the cache between the
		// check above and the flight starting.
		c.mu.Lock()
		if entry, ok := c.cache[fp]; ok && c.now().Before(entry.expires) {
			c.mu.Unlock()
			return entry.res, nil
		}
		c.mu.Unlock()

		start := time.Now()
		res, genErr := c.generate(ctx, req, dur)
		elapsed := time.Since(start)

		c.mu.Lock()
		switch {
		case genErr != nil:
			c.stats.FailedRequests++
		case res != nil:
			c.stats.SuccessfulRequests++
			// Cumulative moving average over successful generations.
			n := float64(c.stats.SuccessfulRequests)
			c.stats.AverageGenerationTime += (elapsed.Seconds() - c.stats.AverageGenerationTime) / n
			c.cache[fp] = cacheEntry{res: res, expires: c.now().Add(c.cacheTTL)}
			c.pruneCacheLocked()
		}
		c.mu.Unlock()

		if c.metrics != nil {
			switch {
			case genErr != nil:
				c.metrics.RecordReplayRequest(ctx, "error")
			case res == nil:
				c.metrics.RecordReplayRequest(ctx, "empty")
			default:
				c.metrics.RecordReplayRequest(ctx, "generated")
				c.metrics.ReplayDuration.Record(ctx, elapsed.Seconds())
			}
		}
		if genErr != nil {
			return nil, genErr
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared && c.metrics != nil {
		c.metrics.RecordReplayRequest(ctx, "coalesced")
	}
	res, _ := v.(*Result)
	return res, nil
}

// Stats returns a snapshot of the running counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneCacheLocked()
	s := c.stats
	s.CacheSize = len(c.cache)
	s.ActiveRequests = c.active
	return s
}

// fingerprint derives the cache/coalescing key: guild, user scope,
// duration, and a coarse time bucket.
func (c *Coordinator) fingerprint(req Request, dur time.Duration) string {
	user := "all"
	if req.UserID != 0 {
		user = fmt.Sprintf("%d", req.UserID)
	}
	bucket := c.now().Unix() / int64(coalescingBucket.Seconds())
	return fmt.Sprintf("%d:%s:%.1f:%d", req.GuildID, user, dur.Seconds(), bucket)
}

// generate runs the full pipeline: bounded buffer read, per-user merge,
// optional peak limiting, optional mix, tail trim, and size cap.
func (c *Coordinator) generate(ctx context.Context, req Request, dur time.Duration) (*Result, error) {
	chunks, err := c.queryBounded(ctx, req.GuildID, dur, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	byUser := make(map[uint64][]buffer.Chunk)
	for _, ch := range chunks {
		byUser[ch.UserID] = append(byUser[ch.UserID], ch)
	}
	users := make([]uint64, 0, len(byUser))
	for uid := range byUser {
		users = append(users, uid)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var (
		streams [][]int16
		format  wav.Format
	)
	for _, uid := range users {
		samples, f := mergeUser(byUser[uid])
		if len(samples) == 0 {
			continue
		}
		if format == (wav.Format{}) {
			format = f
		} else if f != format {
			observe.Logger(ctx).Warn("dropping user with mismatched stream format",
				"guild_id", req.GuildID,
				"user_id", uid,
			)
			continue
		}
		if req.Normalize {
			normalizePeak(samples, normalizeTarget)
		}
		streams = append(streams, samples)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	var merged []int16
	if req.MixUsers && len(streams) > 1 {
		merged = mixStreams(streams, mixGain)
	} else {
		// Without mixing, the stream with the most audio wins.
		merged = streams[0]
		for _, s := range streams[1:] {
			if len(s) > len(merged) {
				merged = s
			}
		}
	}

	merged = trimTail(merged, format, dur)
	payload := wav.Encode(pcmutil.Int16ToBytes(merged), format)
	payload = capPayload(payload, format, c.maxOutput)

	pcmLen := len(payload) - wav.HeaderSize
	return &Result{
		Audio:         payload,
		TotalDuration: pcmDuration(pcmLen/2, format),
		UserCount:     len(streams),
		SampleRate:    format.SampleRate,
		Channels:      format.Channels,
		GeneratedAt:   c.now(),
	}, nil
}

// queryBounded reads from the source under the upstream timeout so a
// stalled buffer cannot hang replay callers.
func (c *Coordinator) queryBounded(ctx context.Context, guildID uint64, dur time.Duration, userID uint64) ([]buffer.Chunk, error) {
	ctx, cancel := context.WithTimeout(ctx, c.upstreamTimeout)
	defer cancel()

	ch := make(chan []buffer.Chunk, 1)
	go func() {
		ch <- c.source.Query(guildID, dur, userID)
	}()

	select {
	case chunks := <-ch:
		return chunks, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("replay: query guild %d: %w", guildID, ErrUpstreamTimeout)
	}
}

// pruneCacheLocked drops expired cache entries. Caller holds c.mu.
func (c *Coordinator) pruneCacheLocked() {
	now := c.now()
	for k, e := range c.cache {
		if !now.Before(e.expires) {
			delete(c.cache, k)
		}
	}
}
