// Package archive persists generated replay payloads so operators can
// retrieve a replay after its cache entry and source buffers have aged
// out. The archive is optional; when no database is configured the rest
// of the system runs without it.
package archive

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrAlreadyExists is returned by [Store.Save] when a record with the same
// ID is already archived. Callers that derive IDs from the generation time
// treat it as success.
var ErrAlreadyExists = errors.New("archive: record already exists")

// Record is one archived replay payload with its request metadata.
type Record struct {
	// ID is a ULID, so records sort lexicographically by creation time.
	ID string `json:"id"`

	GuildID   uint64        `json:"guild_id"`
	UserID    uint64        `json:"user_id"` // 0 means all speakers
	Requester string        `json:"requester,omitempty"`
	Duration  time.Duration `json:"duration"`
	UserCount int           `json:"user_count"`

	// Audio is the self-describing WAV payload.
	Audio []byte `json:"-"`

	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for archived replays.
type Store interface {
	// Save persists a record, filling in ID, SizeBytes and CreatedAt.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record including its payload. It returns (nil, nil)
	// when no record with the given ID exists.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns the metadata of archived replays for a guild, newest
	// first, without payloads. A zero guildID lists all guilds.
	List(ctx context.Context, guildID uint64, limit int) ([]Record, error)

	// DeleteOlderThan removes records created before the cutoff and
	// reports how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewID returns a ULID derived from the given timestamp.
func NewID(t time.Time) string {
	entropy := rand.New(rand.NewSource(t.UnixNano()))
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
