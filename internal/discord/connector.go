package discord

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/jinwktk/reverb/internal/capture"
)

// Compile-time interface assertion.
var _ capture.Connector = (*VoiceConnector)(nil)

// VoiceConnector joins assigned guild voice channels and wraps the
// resulting connections as capture handles. Hard recovery uses it to
// replace a wedged connection with a fresh one.
type VoiceConnector struct {
	session *discordgo.Session
	sink    Sink

	mu       sync.Mutex
	channels map[uint64]string
}

// NewVoiceConnector creates a connector delivering flushed audio to sink.
func NewVoiceConnector(session *discordgo.Session, sink Sink) *VoiceConnector {
	return &VoiceConnector{
		session:  session,
		sink:     sink,
		channels: make(map[uint64]string),
	}
}

// Assign maps a guild to the voice channel Connect should join.
func (c *VoiceConnector) Assign(guildID uint64, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[guildID] = channelID
}

// Connect joins the guild's assigned voice channel, undeafened so the
// gateway delivers audio, and returns a capture handle over it.
func (c *VoiceConnector) Connect(ctx context.Context, guildID uint64) (capture.Handle, error) {
	c.mu.Lock()
	channelID, ok := c.channels[guildID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("discord: no voice channel assigned for guild %d", guildID)
	}

	type joined struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan joined, 1)
	go func() {
		vc, err := c.session.ChannelVoiceJoin(strconv.FormatUint(guildID, 10), channelID, true, false)
		ch <- joined{vc: vc, err: err}
	}()

	select {
	case j := <-ch:
		if j.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %s in guild %d: %w", channelID, guildID, j.err)
		}
		return newVoiceHandle(j.vc, guildID, c.sink), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("discord: join voice channel %s in guild %d: %w", channelID, guildID, ctx.Err())
	}
}
