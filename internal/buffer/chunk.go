// Package buffer implements the two in-memory audio stores feeding replay
// requests: a time-windowed per-user chunk store with ingestion-time
// deduplication ([ContinuousStore]) and a byte-budgeted eviction-first
// buffer for low-latency reads ([RelayBuffer]).
//
// Both stores receive the same chunks through the dual-write ingestion path
// and are only ever read, never mutated, by the replay coordinator.
package buffer

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jinwktk/reverb/pkg/wav"
)

// Chunk is one delivered slice of decoded audio for one speaker. The payload
// is always a self-describing WAV container; header-less payloads are
// wrapped on construction.
type Chunk struct {
	GuildID uint64
	UserID  uint64

	// Payload is the WAV-normalized audio.
	Payload []byte

	// Format is the parsed (or assumed) PCM layout of Payload.
	Format wav.Format

	// Arrival is the wall-clock time the chunk was received, which is the
	// end of the audio it carries.
	Arrival time.Time

	// Duration is parsed from the container header when possible, otherwise
	// estimated from the byte length at the default capture profile.
	Duration time.Duration

	// Digest is a content hash of Payload used for duplicate detection.
	Digest uint64
}

// NewChunk normalizes payload into a WAV container and derives duration,
// format, and content digest. Raw payloads are assumed to be in the default
// 48 kHz stereo 16-bit capture profile.
func NewChunk(guildID, userID uint64, payload []byte, arrival time.Time) Chunk {
	c := Chunk{
		GuildID: guildID,
		UserID:  userID,
		Arrival: arrival,
		Format:  wav.DefaultFormat,
	}

	if wav.IsWAV(payload) {
		c.Payload = payload
		if info, err := wav.ParseInfo(payload); err == nil {
			c.Format = info.Format
			c.Duration = info.Duration
		} else {
			c.Duration = estimateDuration(len(payload) - wav.HeaderSize)
		}
	} else {
		c.Payload = wav.Encode(payload, wav.DefaultFormat)
		c.Duration = estimateDuration(len(payload))
	}

	c.Digest = xxhash.Sum64(c.Payload)
	return c
}

// Start returns the wall-clock start of the audio: arrival minus duration.
func (c Chunk) Start() time.Time {
	return c.Arrival.Add(-c.Duration)
}

// End returns the wall-clock end of the audio, which is the arrival time.
func (c Chunk) End() time.Time {
	return c.Arrival
}

// PCM returns the sample region of the payload without copying.
func (c Chunk) PCM() []byte {
	return wav.Data(c.Payload)
}

// overlaps reports whether the chunk's [start, end] intersects [from, to].
func (c Chunk) overlaps(from, to time.Time) bool {
	return !c.End().Before(from) && !c.Start().After(to)
}

// estimateDuration converts a PCM byte length to playing time at the
// default capture profile. Only correct for 48 kHz stereo 16-bit input,
// which is all the capture source produces.
func estimateDuration(pcmBytes int) time.Duration {
	bps := wav.DefaultFormat.BytesPerSecond()
	return time.Duration(float64(pcmBytes) / float64(bps) * float64(time.Second))
}
