package app

import (
	"time"

	"github.com/jinwktk/reverb/internal/buffer"
	"github.com/jinwktk/reverb/internal/discord"
)

// Compile-time interface assertion.
var _ discord.Sink = (*Ingestor)(nil)

// Ingestor fans one flushed capture chunk into both audio stores: the
// continuous store for direct range queries and the relay buffer feeding
// replay generation. The stores apply their own dedup and budget rules,
// so one may accept a chunk the other rejects.
type Ingestor struct {
	continuous *buffer.ContinuousStore
	relay      *buffer.RelayBuffer
}

// NewIngestor creates an ingestor writing into both stores.
func NewIngestor(continuous *buffer.ContinuousStore, relay *buffer.RelayBuffer) *Ingestor {
	return &Ingestor{continuous: continuous, relay: relay}
}

// Ingest delivers one speaker's PCM to both stores and reports whether at
// least one of them kept it.
func (i *Ingestor) Ingest(guildID, userID uint64, pcm []byte, arrival time.Time) bool {
	added := i.continuous.Add(guildID, userID, pcm, arrival)
	relayed := i.relay.Ingest(guildID, userID, pcm, arrival)
	return added || relayed
}
