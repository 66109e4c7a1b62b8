// Package wav implements the minimal RIFF/WAVE container used as the wire
// format between the capture source, the buffer stores, and the replay
// pipeline: a fixed 44-byte little-endian header followed by raw interleaved
// PCM samples.
//
// Only linear PCM is supported. The package deliberately ignores optional
// RIFF chunks — every producer in this system emits the canonical
// header-then-data layout, and payloads arriving from elsewhere are
// re-encoded on ingestion.
package wav

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderSize is the byte length of the canonical PCM WAV header.
const HeaderSize = 44

// Format describes the PCM sample layout of a WAV payload.
type Format struct {
	// SampleRate in Hz (e.g., 48000 for Discord voice).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// BitsPerSample is the sample width in bits. This system always uses 16.
	BitsPerSample int
}

// DefaultFormat is the capture profile assumed for header-less payloads:
// 48 kHz stereo 16-bit, matching Discord's Opus decode output.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// BytesPerSecond returns the PCM data rate for the format, or 0 if any
// field is non-positive.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// FrameSize returns the byte size of one interleaved sample frame
// (all channels), or 0 if the format is invalid.
func (f Format) FrameSize() int {
	if f.Channels <= 0 || f.BitsPerSample <= 0 {
		return 0
	}
	return f.Channels * f.BitsPerSample / 8
}

// Info is the metadata recoverable from a WAV payload's header.
type Info struct {
	Format   Format
	DataSize int
	Duration time.Duration
}

// IsWAV reports whether data begins with a plausible PCM WAV header.
// It checks the RIFF/WAVE/fmt/data markers at their canonical offsets.
func IsWAV(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	return string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE" &&
		string(data[12:16]) == "fmt " &&
		string(data[36:40]) == "data"
}

// ParseInfo extracts format and duration metadata from a WAV payload.
// It returns an error if the payload is too short, lacks the canonical
// markers, or declares a non-PCM encoding.
func ParseInfo(data []byte) (Info, error) {
	if len(data) < HeaderSize {
		return Info{}, fmt.Errorf("wav: payload too short: %d bytes", len(data))
	}
	if !IsWAV(data) {
		return Info{}, fmt.Errorf("wav: missing RIFF/WAVE markers")
	}
	if audioFormat := binary.LittleEndian.Uint16(data[20:22]); audioFormat != 1 {
		return Info{}, fmt.Errorf("wav: unsupported audio format %d (only PCM)", audioFormat)
	}

	f := Format{
		Channels:      int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(data[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(data[34:36])),
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 {
		return Info{}, fmt.Errorf("wav: invalid format %dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
	}

	declared := int(binary.LittleEndian.Uint32(data[40:44]))
	// Trust the actual payload length over a stale declared size.
	actual := len(data) - HeaderSize
	size := declared
	if size > actual {
		size = actual
	}

	frames := size / f.FrameSize()
	dur := time.Duration(frames) * time.Second / time.Duration(f.SampleRate)

	return Info{Format: f, DataSize: size, Duration: dur}, nil
}

// Data returns the PCM sample region of a WAV payload without copying.
// For header-less or truncated payloads it returns nil.
func Data(payload []byte) []byte {
	if !IsWAV(payload) {
		return nil
	}
	return payload[HeaderSize:]
}

// Encode wraps raw interleaved PCM samples in a canonical WAV header.
func Encode(pcm []byte, f Format) []byte {
	out := make([]byte, HeaderSize+len(pcm))
	writeHeader(out, f, len(pcm))
	copy(out[HeaderSize:], pcm)
	return out
}

// FixSizes rewrites the ChunkSize and data-chunk size fields of a WAV
// payload so they match the actual byte length. Used after concatenating
// or truncating sample regions under an existing header. Payloads that
// are not WAV are returned unchanged.
func FixSizes(payload []byte) []byte {
	if !IsWAV(payload) {
		return payload
	}
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(payload)-8))
	binary.LittleEndian.PutUint32(payload[40:44], uint32(len(payload)-HeaderSize))
	return payload
}

// writeHeader fills the first 44 bytes of dst with a PCM WAV header for
// dataSize bytes of samples in format f. dst must be at least HeaderSize long.
func writeHeader(dst []byte, f Format, dataSize int) {
	copy(dst[0:4], "RIFF")
	binary.LittleEndian.PutUint32(dst[4:8], uint32(36+dataSize))
	copy(dst[8:12], "WAVE")
	copy(dst[12:16], "fmt ")
	binary.LittleEndian.PutUint32(dst[16:20], 16)
	binary.LittleEndian.PutUint16(dst[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(dst[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(dst[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(dst[32:34], uint16(f.FrameSize()))
	binary.LittleEndian.PutUint16(dst[34:36], uint16(f.BitsPerSample))
	copy(dst[36:40], "data")
	binary.LittleEndian.PutUint32(dst[40:44], uint32(dataSize))
}
