package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jinwktk/reverb/internal/capture"
)

// Compile-time interface assertion.
var _ capture.Handle = (*VoiceHandle)(nil)

// maxUserAccumBytes caps how much PCM a single speaker can accumulate
// between checkpoints: 30 s of 48 kHz stereo 16-bit audio. The controller
// checkpoints every few seconds, so hitting the cap means flushes have
// stalled; the oldest audio is dropped.
const maxUserAccumBytes = opusSampleRate * opusChannels * 2 * 30

// frameBytes is the size of one interleaved stereo sample pair.
const frameBytes = opusChannels * 2

// Sink receives one speaker's accumulated PCM at every flush and reports
// whether the audio was accepted.
type Sink interface {
	Ingest(guildID, userID uint64, pcm []byte, arrival time.Time) bool
}

// VoiceHandle captures one guild's voice channel. Begin starts draining
// the Opus stream, End flushes everything heard since the last flush into
// the [Sink]. The handle survives Begin/End cycles; Disconnect tears down
// the underlying voice connection for good.
type VoiceHandle struct {
	guildID uint64
	sink    Sink

	// recv and disconnectVC come from the discordgo voice connection;
	// tests substitute their own.
	recv         <-chan *discordgo.Packet
	disconnectVC func() error

	// decode turns one Opus packet into PCM bytes. Defaults to per-SSRC
	// gopus decoders.
	decode func(ssrc uint32, opus []byte) ([]byte, error)

	mu       sync.Mutex
	active   bool
	users    map[uint64][]byte
	ssrcUser map[uint32]uint64
	decoders map[uint32]*opusDecoder
	stop     chan struct{}
	drained  chan struct{}
	now      func() time.Time
}

// newVoiceHandle wraps an established voice connection.
func newVoiceHandle(vc *discordgo.VoiceConnection, guildID uint64, sink Sink) *VoiceHandle {
	h := &VoiceHandle{
		guildID:      guildID,
		sink:         sink,
		recv:         vc.OpusRecv,
		disconnectVC: vc.Disconnect,
		users:        make(map[uint64][]byte),
		ssrcUser:     make(map[uint32]uint64),
		decoders:     make(map[uint32]*opusDecoder),
		now:          time.Now,
	}
	h.decode = h.gopusDecode

	// Speaking updates carry the SSRC to user mapping; without them audio
	// is attributed to the SSRC value itself.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		userID, err := strconv.ParseUint(vs.UserID, 10, 64)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.ssrcUser[uint32(vs.SSRC)] = userID
		h.mu.Unlock()
	})
	return h
}

// Begin starts draining the voice stream. It returns
// [capture.ErrAlreadyCapturing] when a drain loop is already running.
func (h *VoiceHandle) Begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		return capture.ErrAlreadyCapturing
	}
	h.active = true
	h.stop = make(chan struct{})
	h.drained = make(chan struct{})
	go h.recvLoop(h.stop, h.drained)
	return nil
}

// End stops the drain loop and flushes every speaker's accumulated PCM
// into the sink. It returns how many speaker chunks the sink accepted,
// or [capture.ErrNotCapturing] when no drain loop is running.
func (h *VoiceHandle) End() (int, error) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return 0, capture.ErrNotCapturing
	}
	h.active = false
	stop, drained := h.stop, h.drained
	h.mu.Unlock()

	close(stop)
	<-drained

	h.mu.Lock()
	flush := h.users
	h.users = make(map[uint64][]byte)
	h.mu.Unlock()

	arrival := h.now()
	delivered := 0
	for userID, pcm := range flush {
		if len(pcm) == 0 {
			continue
		}
		if h.sink.Ingest(h.guildID, userID, pcm, arrival) {
			delivered++
		}
	}
	return delivered, nil
}

// Active reports whether a drain loop is running.
func (h *VoiceHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Disconnect tears down the voice connection. Accumulated but unflushed
// audio is discarded; callers flush with End first when they care.
func (h *VoiceHandle) Disconnect() error {
	h.mu.Lock()
	if h.active {
		h.active = false
		close(h.stop)
		drained := h.drained
		h.mu.Unlock()
		<-drained
		h.mu.Lock()
	}
	h.users = make(map[uint64][]byte)
	h.mu.Unlock()
	return h.disconnectVC()
}

// recvLoop drains Opus packets until stopped, decoding and accumulating
// PCM per resolved speaker.
func (h *VoiceHandle) recvLoop(stop <-chan struct{}, drained chan<- struct{}) {
	defer close(drained)
	for {
		select {
		case <-stop:
			return
		case pkt, ok := <-h.recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			pcm, err := h.decode(pkt.SSRC, pkt.Opus)
			if err != nil {
				slog.Warn("opus decode error",
					"guild_id", h.guildID,
					"ssrc", pkt.SSRC,
					"error", err,
				)
				continue
			}
			h.accumulate(pkt.SSRC, pcm)
		}
	}
}

// accumulate appends decoded PCM to the owning speaker's buffer, dropping
// the oldest audio when a speaker exceeds the accumulation cap.
func (h *VoiceHandle) accumulate(ssrc uint32, pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.ssrcUser[ssrc]
	if !ok {
		// No speaking update seen yet; attribute to the SSRC so the
		// audio is not lost.
		userID = uint64(ssrc)
	}

	buf := append(h.users[userID], pcm...)
	if len(buf) > maxUserAccumBytes {
		drop := len(buf) - maxUserAccumBytes
		drop += (len(buf) - drop) % frameBytes
		buf = buf[drop:]
		slog.Warn("speaker accumulation cap hit, dropping oldest audio",
			"guild_id", h.guildID,
			"user_id", userID,
		)
	}
	h.users[userID] = buf
}

// gopusDecode is the default decode implementation with one persistent
// decoder per SSRC. It is only called from the drain loop, so decoder
// state needs no extra locking.
func (h *VoiceHandle) gopusDecode(ssrc uint32, opus []byte) ([]byte, error) {
	dec, ok := h.decoders[ssrc]
	if !ok {
		var err error
		dec, err = newOpusDecoder()
		if err != nil {
			return nil, err
		}
		h.decoders[ssrc] = dec
	}
	return dec.decode(opus)
}
