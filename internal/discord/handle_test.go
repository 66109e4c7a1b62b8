package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jinwktk/reverb/internal/capture"
)

// recordingSink captures Ingest calls.
type recordingSink struct {
	mu     sync.Mutex
	calls  map[uint64][]byte
	reject bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: make(map[uint64][]byte)}
}

func (s *recordingSink) Ingest(_, userID uint64, pcm []byte, _ time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.calls[userID] = append([]byte(nil), pcm...)
	return true
}

func (s *recordingSink) got(userID uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[userID]
}

func newTestHandle(sink Sink, recv chan *discordgo.Packet) *VoiceHandle {
	h := &VoiceHandle{
		guildID:      1,
		sink:         sink,
		recv:         recv,
		disconnectVC: func() error { return nil },
		users:        make(map[uint64][]byte),
		ssrcUser:     make(map[uint32]uint64),
		decoders:     make(map[uint32]*opusDecoder),
		now:          func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) },
	}
	// Packets pass through undecoded so tests control the PCM bytes.
	h.decode = func(_ uint32, opus []byte) ([]byte, error) { return opus, nil }
	return h
}

func TestEndFlushesPerSpeaker(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	recv := make(chan *discordgo.Packet)
	h := newTestHandle(sink, recv)
	h.ssrcUser[100] = 7
	h.ssrcUser[200] = 9

	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	recv <- &discordgo.Packet{SSRC: 100, Opus: []byte{1, 1, 1, 1}}
	recv <- &discordgo.Packet{SSRC: 200, Opus: []byte{2, 2, 2, 2}}
	recv <- &discordgo.Packet{SSRC: 100, Opus: []byte{3, 3, 3, 3}}

	delivered, err := h.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2 speakers", delivered)
	}
	if got := sink.got(7); len(got) != 8 || got[0] != 1 || got[4] != 3 {
		t.Errorf("user 7 pcm = %v, want both packets in order", got)
	}
	if got := sink.got(9); len(got) != 4 {
		t.Errorf("user 9 pcm = %v, want one packet", got)
	}

	// The flush clears accumulation: an immediate restart and stop
	// delivers nothing.
	if err := h.Begin(); err != nil {
		t.Fatalf("restart Begin: %v", err)
	}
	delivered, err = h.End()
	if err != nil {
		t.Fatalf("restart End: %v", err)
	}
	if delivered != 0 {
		t.Errorf("delivered after empty cycle = %d, want 0", delivered)
	}
}

func TestBeginWhileActive(t *testing.T) {
	t.Parallel()

	h := newTestHandle(newRecordingSink(), make(chan *discordgo.Packet))
	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.Begin(); !errors.Is(err, capture.ErrAlreadyCapturing) {
		t.Errorf("second Begin err = %v, want ErrAlreadyCapturing", err)
	}
	if _, err := h.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestEndWithoutBegin(t *testing.T) {
	t.Parallel()

	h := newTestHandle(newRecordingSink(), make(chan *discordgo.Packet))
	if _, err := h.End(); !errors.Is(err, capture.ErrNotCapturing) {
		t.Errorf("End err = %v, want ErrNotCapturing", err)
	}
}

func TestUnmappedSSRCKeepsAudio(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	recv := make(chan *discordgo.Packet)
	h := newTestHandle(sink, recv)

	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	recv <- &discordgo.Packet{SSRC: 555, Opus: []byte{9, 9, 9, 9}}

	delivered, err := h.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if got := sink.got(555); len(got) != 4 {
		t.Errorf("fallback key audio = %v, want the packet under the SSRC", got)
	}
}

func TestDecodeErrorSkipsPacket(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	recv := make(chan *discordgo.Packet)
	h := newTestHandle(sink, recv)
	h.ssrcUser[100] = 7
	h.decode = func(_ uint32, opus []byte) ([]byte, error) {
		if opus[0] == 0xFF {
			return nil, errors.New("corrupt packet")
		}
		return opus, nil
	}

	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	recv <- &discordgo.Packet{SSRC: 100, Opus: []byte{0xFF, 0, 0, 0}}
	recv <- &discordgo.Packet{SSRC: 100, Opus: []byte{1, 1, 1, 1}}

	if _, err := h.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := sink.got(7); len(got) != 4 || got[0] != 1 {
		t.Errorf("pcm = %v, want only the good packet", got)
	}
}

func TestAccumulationCapDropsOldest(t *testing.T) {
	t.Parallel()

	h := newTestHandle(newRecordingSink(), make(chan *discordgo.Packet))
	h.ssrcUser[100] = 7

	old := make([]byte, maxUserAccumBytes)
	for i := range old {
		old[i] = 1
	}
	h.accumulate(100, old)
	h.accumulate(100, []byte{2, 2, 2, 2})

	buf := h.users[7]
	if len(buf) > maxUserAccumBytes {
		t.Fatalf("accumulated %d bytes, cap is %d", len(buf), maxUserAccumBytes)
	}
	if len(buf)%frameBytes != 0 {
		t.Errorf("accumulated length %d is not frame aligned", len(buf))
	}
	tail := buf[len(buf)-4:]
	for i, b := range tail {
		if b != 2 {
			t.Fatalf("tail[%d] = %d, want the newest audio retained", i, b)
		}
	}
}

func TestDisconnectDiscardsAccumulation(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	recv := make(chan *discordgo.Packet)
	h := newTestHandle(sink, recv)
	h.ssrcUser[100] = 7

	disconnected := false
	h.disconnectVC = func() error {
		disconnected = true
		return nil
	}

	if err := h.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	recv <- &discordgo.Packet{SSRC: 100, Opus: []byte{1, 1, 1, 1}}

	if err := h.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !disconnected {
		t.Error("underlying disconnect was not called")
	}
	if h.Active() {
		t.Error("handle still active after Disconnect")
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink received %d flushes, want 0 (discarded)", len(sink.calls))
	}
}
