package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the replay_archive table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS replay_archive (
    id         TEXT PRIMARY KEY,
    guild_id   BIGINT NOT NULL,
    user_id    BIGINT NOT NULL DEFAULT 0,
    requester  TEXT NOT NULL DEFAULT '',
    duration_s DOUBLE PRECISION NOT NULL,
    user_count INTEGER NOT NULL,
    audio      BYTEA NOT NULL,
    size_bytes BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_replay_archive_guild ON replay_archive(guild_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_replay_archive_created ON replay_archive(created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Guild and
// user snowflakes are stored as BIGINT; they fit because Discord IDs stay
// below 2^63 for the foreseeable future.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresOption configures a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithPostgresClock overrides the time source for tests.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) { s.now = now }
}

// NewPostgresStore creates a new [PostgresStore] using the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate executes the [Schema] DDL against the database, creating the
// replay_archive table and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Save persists a record. ID, SizeBytes and CreatedAt are filled in; a
// pre-set ID is kept so callers can make saves idempotent.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	if len(rec.Audio) == 0 {
		return errors.New("archive: save: empty payload")
	}
	if rec.ID == "" {
		rec.ID = NewID(s.now())
	}
	rec.SizeBytes = int64(len(rec.Audio))

	const query = `
		INSERT INTO replay_archive (
			id, guild_id, user_id, requester, duration_s, user_count, audio, size_bytes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		rec.ID, int64(rec.GuildID), int64(rec.UserID), rec.Requester,
		rec.Duration.Seconds(), rec.UserCount, rec.Audio, rec.SizeBytes,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("record %q: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("archive: save: %w", err)
	}
	return nil
}

// Get retrieves a record by ID including its payload. It returns (nil, nil)
// when the record does not exist.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	const query = `
		SELECT id, guild_id, user_id, requester, duration_s, user_count,
		       audio, size_bytes, created_at
		FROM replay_archive
		WHERE id = $1`

	var (
		rec       Record
		guildID   int64
		userID    int64
		durationS float64
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &guildID, &userID, &rec.Requester, &durationS,
		&rec.UserCount, &rec.Audio, &rec.SizeBytes, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: get %q: %w", id, err)
	}
	rec.GuildID = uint64(guildID)
	rec.UserID = uint64(userID)
	rec.Duration = time.Duration(durationS * float64(time.Second))
	return &rec, nil
}

// List returns archived replay metadata, newest first, without payloads.
// A zero guildID lists all guilds; limit <= 0 applies a default of 50.
func (s *PostgresStore) List(ctx context.Context, guildID uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if guildID == 0 {
		const query = `
			SELECT id, guild_id, user_id, requester, duration_s, user_count,
			       size_bytes, created_at
			FROM replay_archive
			ORDER BY created_at DESC
			LIMIT $1`
		rows, err = s.db.Query(ctx, query, limit)
	} else {
		const query = `
			SELECT id, guild_id, user_id, requester, duration_s, user_count,
			       size_bytes, created_at
			FROM replay_archive
			WHERE guild_id = $1
			ORDER BY created_at DESC
			LIMIT $2`
		rows, err = s.db.Query(ctx, query, int64(guildID), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec       Record
			gid       int64
			uid       int64
			durationS float64
		)
		if err := rows.Scan(
			&rec.ID, &gid, &uid, &rec.Requester, &durationS,
			&rec.UserCount, &rec.SizeBytes, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("archive: list scan: %w", err)
		}
		rec.GuildID = uint64(gid)
		rec.UserID = uint64(uid)
		rec.Duration = time.Duration(durationS * float64(time.Second))
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return recs, nil
}

// DeleteOlderThan removes records created before the cutoff and reports
// how many were deleted.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM replay_archive WHERE created_at < $1`
	tag, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: delete older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
