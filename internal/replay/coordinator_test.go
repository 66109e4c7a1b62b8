package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/pkg/wav"
)

// fakeSource is a scriptable Source recording query arguments.
type fakeSource struct {
	mu       sync.Mutex
	chunks   []buffer.Chunk
	delay    time.Duration
	calls    atomic.Int64
	lastDur  time.Duration
	lastUser uint64
}

func (s *fakeSource) Query(_ uint64, duration time.Duration, userID uint64) []buffer.Chunk {
	s.calls.Add(1)
	s.mu.Lock()
	s.lastDur = duration
	s.lastUser = userID
	chunks := s.chunks
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return chunks
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func userChunks(userID uint64, seconds float64, fill byte) []buffer.Chunk {
	arrival := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	return []buffer.Chunk{buffer.NewChunk(1, userID, rawPCM(seconds, fill), arrival)}
}

func TestGetReplayAudioGeneratesResult(t *testing.T) {
	t.Parallel()

	src := &fakeSource{chunks: userChunks(7, 2, 0x11)}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))

	res, err := c.GetReplayAudio(context.Background(), Request{GuildID: 1, Duration: 30 * time.Second})
	if err != nil {
		t.Fatalf("GetReplayAudio: %v", err)
	}
	if res == nil {
		t.Fatal("result is nil")
	}
	if !wav.IsWAV(res.Audio) {
		t.Error("result audio is not a container")
	}
	if res.UserCount != 1 {
		t.Errorf("user count = %d, want 1", res.UserCount)
	}
	if res.SampleRate != 48000 || res.Channels != 2 {
		t.Errorf("format = %dHz/%dch, want 48000/2", res.SampleRate, res.Channels)
	}
	if res.TotalDuration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", res.TotalDuration)
	}
}

func TestGetReplayAudioServesFromCache(t *testing.T) {
	t.Parallel()

	src := &fakeSource{chunks: userChunks(7, 1, 0x11)}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))
	req := Request{GuildID: 1, Duration: 10 * time.Second}

	first, err := c.GetReplayAudio(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetReplayAudio(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if got := src.calls.Load(); got != 1 {
		t.Errorf("upstream reads = %d, want 1", got)
	}
	if first != second {
		t.Error("cached call returned a different result")
	}

	stats := c.Stats()
	if stats.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", stats.CacheHits)
	}
	if stats.TotalRequests != 2 {
		t.Errorf("total requests = %d, want 2", stats.TotalRequests)
	}
}

func TestGetReplayAudioCoalescesConcurrentRequests(t *testing.T) {
	t.Parallel()

	src := &fakeSource{chunks: userChunks(7, 1, 0x11), delay: 50 * time.Millisecond}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))
	req := Request{GuildID: 1, Duration: 10 * time.Second}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.GetReplayAudio(context.Background(), req)
			if err != nil {
				t.Errorf("concurrent call %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := src.calls.Load(); got != 1 {
		t.Errorf("upstream reads = %d, want 1", got)
	}
	if results[0] == nil || results[0] != results[1] {
		t.Error("coalesced requests did not share one result")
	}
}

func TestGetReplayAudioNoData(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))

	res, err := c.GetReplayAudio(context.Background(), Request{GuildID: 1, Duration: 10 * time.Second})
	if err != nil {
		t.Fatalf("GetReplayAudio: %v", err)
	}
	if res != nil {
		t.Error("expected nil result for an empty buffer")
	}

	stats := c.Stats()
	if stats.FailedRequests != 0 {
		t.Errorf("failed requests = %d, want 0 (empty is not a failure)", stats.FailedRequests)
	}
}

func TestGetReplayAudioUpstreamTimeout(t *testing.T) {
	t.Parallel()

	src := &fakeSource{chunks: userChunks(7, 1, 0x11), delay: time.Second}
	c := NewCoordinator(src,
		WithCoordinatorClock(fixedClock()),
		WithUpstreamTimeout(20*time.Millisecond),
	)

	_, err := c.GetReplayAudio(context.Background(), Request{GuildID: 1, Duration: 10 * time.Second})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
	if got := c.Stats().FailedRequests; got != 1 {
		t.Errorf("failed requests = %d, want 1", got)
	}
}

func TestGetReplayAudioClampsDuration(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	c := NewCoordinator(src,
		WithCoordinatorClock(fixedClock()),
		WithDurations(30*time.Second, 300*time.Second),
	)

	c.GetReplayAudio(context.Background(), Request{GuildID: 1})
	if src.lastDur != 30*time.Second {
		t.Errorf("zero duration queried as %v, want the 30s default", src.lastDur)
	}

	c.GetReplayAudio(context.Background(), Request{GuildID: 1, Duration: time.Hour})
	if src.lastDur != 300*time.Second {
		t.Errorf("oversized duration queried as %v, want the 300s cap", src.lastDur)
	}
}

func TestGetReplayAudioMixesUsers(t *testing.T) {
	t.Parallel()

	chunks := append(userChunks(7, 1, 0x11), userChunks(8, 2, 0x11)...)
	src := &fakeSource{chunks: chunks}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))

	res, err := c.GetReplayAudio(context.Background(), Request{
		GuildID:  1,
		Duration: 30 * time.Second,
		MixUsers: true,
	})
	if err != nil {
		t.Fatalf("GetReplayAudio: %v", err)
	}
	if res == nil {
		t.Fatal("result is nil")
	}
	if res.UserCount != 2 {
		t.Errorf("user count = %d, want 2", res.UserCount)
	}
	// Mixed output is padded to the longest contributor.
	if res.TotalDuration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", res.TotalDuration)
	}
}

func TestGetReplayAudioWithoutMixKeepsLongestStream(t *testing.T) {
	t.Parallel()

	chunks := append(userChunks(7, 1, 0x11), userChunks(8, 3, 0x22)...)
	src := &fakeSource{chunks: chunks}
	c := NewCoordinator(src, WithCoordinatorClock(fixedClock()))

	res, err := c.GetReplayAudio(context.Background(), Request{GuildID: 1, Duration: 30 * time.Second})
	if err != nil {
		t.Fatalf("GetReplayAudio: %v", err)
	}
	if res == nil {
		t.Fatal("result is nil")
	}
	if res.TotalDuration != 3*time.Second {
		t.Errorf("duration = %v, want 3s (longest stream)", res.TotalDuration)
	}
}
