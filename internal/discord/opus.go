// Package discord implements the voice capture source: it joins guild
// voice channels through discordgo, decodes incoming Opus packets per
// SSRC, accumulates PCM per speaker between checkpoints, and flushes the
// accumulated audio into the buffer stores.
package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/jinwktk/reverb/pkg/pcmutil"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// opusDecoder wraps a gopus decoder for a single participant stream.
// Each SSRC gets its own decoder so decoder state stays consistent
// across consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// newOpusDecoder creates a decoder configured for Discord voice.
func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode decodes one Opus packet into interleaved little-endian int16
// PCM bytes.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return pcmutil.Int16ToBytes(pcm), nil
}
