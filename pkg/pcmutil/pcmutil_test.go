package pcmutil

import (
	"testing"
)

func TestBytesInt16RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToInt16(Int16ToBytes(samples))

	if len(got) != len(samples) {
		t.Fatalf("length = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestBytesToInt16DropsOddByte(t *testing.T) {
	t.Parallel()

	if got := BytesToInt16([]byte{0x01, 0x02, 0x03}); len(got) != 1 {
		t.Errorf("length = %d, want 1", len(got))
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	stereo := []int16{100, 200, -100, -200, 32767, 32767}
	want := []int16{150, -150, 32767}

	got := StereoToMono(stereo)
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPeak(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    int
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0}, 0},
		{"positive", []int16{10, 500, 3}, 500},
		{"negative dominates", []int16{100, -2000, 50}, 2000},
		{"full scale negative", []int16{-32768}, 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Peak(tt.samples); got != tt.want {
				t.Errorf("Peak = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyGainClamps(t *testing.T) {
	t.Parallel()

	samples := []int16{1000, -1000, 30000, -30000}
	ApplyGain(samples, 2.0)

	want := []int16{2000, -2000, 32767, -32768}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	if got := Clamp(40000); got != 32767 {
		t.Errorf("Clamp(40000) = %d", got)
	}
	if got := Clamp(-40000); got != -32768 {
		t.Errorf("Clamp(-40000) = %d", got)
	}
	if got := Clamp(-12.7); got != -12 {
		t.Errorf("Clamp(-12.7) = %d", got)
	}
}
