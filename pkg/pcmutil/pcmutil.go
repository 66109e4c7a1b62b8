// Package pcmutil provides helpers for 16-bit little-endian PCM sample
// buffers: byte/sample conversion, channel downmix, peak measurement, and
// clipped gain. These are the primitives the replay pipeline builds its
// merge, normalization, and mixing steps on.
package pcmutil

import "encoding/binary"

// BytesToInt16 converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is dropped.
func BytesToInt16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// StereoToMono downmixes interleaved stereo samples by averaging each
// left/right pair. A trailing unpaired sample is dropped.
func StereoToMono(stereo []int16) []int16 {
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		l := int32(stereo[i*2])
		r := int32(stereo[i*2+1])
		mono[i] = int16((l + r) / 2)
	}
	return mono
}

// Peak returns the largest absolute sample value in the buffer, in the
// range [0, 32768]. An empty buffer has peak 0.
func Peak(samples []int16) int {
	peak := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// ApplyGain multiplies every sample by factor in place, clamping to the
// int16 range.
func ApplyGain(samples []int16, factor float64) {
	for i, s := range samples {
		samples[i] = Clamp(float64(s) * factor)
	}
}

// Clamp converts a float sample value to int16, saturating at the type
// bounds instead of wrapping.
func Clamp(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
