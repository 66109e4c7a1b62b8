package replay

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/pkg/pcmutil"
	"github.com/jinwktk/reverb/pkg/wav"
)

// mergeUser merges one user's chunks into a single PCM stream. Chunks are
// ordered by arrival time; all must share the first parseable chunk's
// format, mismatches are skipped with a warning. When a chunk's implied
// start precedes the running end of the merged stream — a checkpoint and
// the session-end flush carrying the same tail — the overlapping prefix is
// trimmed before appending so the audio does not audibly repeat.
func mergeUser(chunks []buffer.Chunk) ([]int16, wav.Format) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Arrival.Before(chunks[j].Arrival) })

	var (
		out    []byte
		format wav.Format
		end    time.Time
	)
	for _, c := range chunks {
		pcm := c.PCM()
		if pcm == nil {
			slog.Warn("skipping unparseable chunk in replay merge",
				"guild_id", c.GuildID,
				"user_id", c.UserID,
			)
			continue
		}
		if format == (wav.Format{}) {
			format = c.Format
		} else if c.Format != format {
			slog.Warn("skipping chunk with mismatched format in replay merge",
				"guild_id", c.GuildID,
				"user_id", c.UserID,
				"format", c.Format,
				"expected", format,
			)
			continue
		}

		if !end.IsZero() && c.Start().Before(end) {
			overlap := end.Sub(c.Start()).Seconds()
			skip := int(overlap * float64(format.BytesPerSecond()))
			skip -= skip % format.FrameSize()
			if skip >= len(pcm) {
				continue
			}
			pcm = pcm[skip:]
		}

		out = append(out, pcm...)
		if c.End().After(end) {
			end = c.End()
		}
	}
	if out == nil {
		return nil, format
	}
	return pcmutil.BytesToInt16(out), format
}

// normalizePeak rescales samples so the peak sits at targetRatio of full
// scale, but only when the current peak exceeds that target. This is a
// peak limiter, not loudness normalization.
func normalizePeak(samples []int16, targetRatio float64) {
	peak := pcmutil.Peak(samples)
	target := targetRatio * 32767
	if float64(peak) <= target {
		return
	}
	pcmutil.ApplyGain(samples, target/float64(peak))
}

// mixStreams combines multiple users' streams into one: every stream is
// padded to the longest with silence, samples are averaged as floats,
// scaled by the headroom gain, and clipped back to 16-bit.
func mixStreams(streams [][]int16, gain float64) []int16 {
	longest := 0
	for _, s := range streams {
		if len(s) > longest {
			longest = len(s)
		}
	}
	if longest == 0 {
		return nil
	}

	out := make([]int16, longest)
	n := float64(len(streams))
	for i := range out {
		sum := 0.0
		for _, s := range streams {
			if i < len(s) {
				sum += float64(s[i])
			}
		}
		out[i] = pcmutil.Clamp(sum / n * gain)
	}
	return out
}

// trimTail keeps at most maxDuration of audio, dropping the oldest samples
// when the stream is longer. Replay shows "now minus N seconds", not the
// earliest audio ever buffered.
func trimTail(samples []int16, f wav.Format, maxDuration time.Duration) []int16 {
	maxSamples := int(maxDuration.Seconds() * float64(f.SampleRate) * float64(f.Channels))
	maxSamples -= maxSamples % f.Channels
	if len(samples) <= maxSamples {
		return samples
	}
	return samples[len(samples)-maxSamples:]
}

// capPayload enforces the output size ceiling on a finished WAV payload by
// dropping the oldest samples and repairing the container's declared
// sizes.
func capPayload(payload []byte, f wav.Format, maxBytes int64) []byte {
	if int64(len(payload)) <= maxBytes {
		return payload
	}
	keep := int(maxBytes) - wav.HeaderSize
	keep -= keep % f.FrameSize()
	if keep < 0 {
		keep = 0
	}
	pcm := payload[len(payload)-keep:]
	out := make([]byte, 0, wav.HeaderSize+keep)
	out = append(out, payload[:wav.HeaderSize]...)
	out = append(out, pcm...)
	return wav.FixSizes(out)
}

// pcmDuration returns the playing time of a sample count in format f.
func pcmDuration(sampleCount int, f wav.Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := sampleCount / f.Channels
	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}
