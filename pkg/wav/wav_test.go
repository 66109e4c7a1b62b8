package wav

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 48000*2*2) // 1 second of 48kHz stereo 16-bit
	for i := range pcm {
		pcm[i] = byte(i)
	}

	payload := Encode(pcm, DefaultFormat)

	if !IsWAV(payload) {
		t.Fatal("Encode produced a payload IsWAV rejects")
	}
	info, err := ParseInfo(payload)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if info.Format != DefaultFormat {
		t.Errorf("format = %+v, want %+v", info.Format, DefaultFormat)
	}
	if info.DataSize != len(pcm) {
		t.Errorf("data size = %d, want %d", info.DataSize, len(pcm))
	}
	if info.Duration != time.Second {
		t.Errorf("duration = %v, want 1s", info.Duration)
	}
	if !bytes.Equal(Data(payload), pcm) {
		t.Error("Data does not return the original samples")
	}
}

func TestIsWAV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"nil", nil, false},
		{"short", []byte("RIFF"), false},
		{"junk", bytes.Repeat([]byte{0xAB}, 64), false},
		{"valid", Encode(make([]byte, 4), DefaultFormat), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsWAV(tt.data); got != tt.want {
				t.Errorf("IsWAV = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseInfoRejectsNonPCM(t *testing.T) {
	t.Parallel()

	payload := Encode(make([]byte, 8), DefaultFormat)
	binary.LittleEndian.PutUint16(payload[20:22], 3) // IEEE float

	if _, err := ParseInfo(payload); err == nil {
		t.Fatal("ParseInfo accepted a non-PCM payload")
	}
}

func TestParseInfoTruncatedData(t *testing.T) {
	t.Parallel()

	// Header declares 1s of audio but half the samples were lost.
	full := Encode(make([]byte, 48000*4), DefaultFormat)
	truncated := full[:HeaderSize+48000*2]

	info, err := ParseInfo(truncated)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if info.DataSize != 48000*2 {
		t.Errorf("data size = %d, want %d", info.DataSize, 48000*2)
	}
	if info.Duration != 500*time.Millisecond {
		t.Errorf("duration = %v, want 500ms", info.Duration)
	}
}

func TestFixSizes(t *testing.T) {
	t.Parallel()

	a := Encode(make([]byte, 960), DefaultFormat)
	b := Encode(make([]byte, 1920), DefaultFormat)

	// Concatenate b's samples under a's header, then repair.
	merged := append(append([]byte(nil), a...), Data(b)...)
	merged = FixSizes(merged)

	info, err := ParseInfo(merged)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if want := 960 + 1920; info.DataSize != want {
		t.Errorf("data size = %d, want %d", info.DataSize, want)
	}
	if got := binary.LittleEndian.Uint32(merged[4:8]); got != uint32(len(merged)-8) {
		t.Errorf("chunk size = %d, want %d", got, len(merged)-8)
	}
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()

	if got := DefaultFormat.BytesPerSecond(); got != 192000 {
		t.Errorf("BytesPerSecond = %d, want 192000", got)
	}
	if got := DefaultFormat.FrameSize(); got != 4 {
		t.Errorf("FrameSize = %d, want 4", got)
	}
	var zero Format
	if zero.BytesPerSecond() != 0 || zero.FrameSize() != 0 {
		t.Error("zero format should report zero sizes")
	}
}
