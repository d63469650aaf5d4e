// Package persistence is the durable backing store for data that must
// survive a proxy restart: recorded DeathLink/countdown events, the
// DeathLink exclusion set, and the DeathLink probability. It is the
// database of record behind the read-through cache in internal/v1/cache.
// Grounded on the original schema's four tables (deathlinks, countdowns,
// deathlink_exclusions, deathlink_settings), reimplemented on pgx/v5's
// pool instead of an ORM.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apxproxy/apx/internal/v1/collab"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool with the proxy's persistence
// operations.
type Store struct {
	pool *pgxpool.Pool
}

// DeathLinkRecord is one persisted DeathLink event.
type DeathLinkRecord struct {
	ID        int64
	RoomID    string
	Slot      uint32
	Source    string
	Cause     string
	CreatedAt time.Time
}

// CountdownRecord is one persisted disallowed countdown attempt.
type CountdownRecord struct {
	ID        int64
	RoomID    string
	Slot      uint32
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS deathlinks (
	id SERIAL PRIMARY KEY,
	room_id VARCHAR NOT NULL,
	slot INT NOT NULL,
	source VARCHAR NOT NULL,
	cause VARCHAR,
	created_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS countdowns (
	id SERIAL PRIMARY KEY,
	room_id VARCHAR NOT NULL,
	slot INT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS deathlink_exclusions (
	id SERIAL PRIMARY KEY,
	room_id VARCHAR NOT NULL,
	slot INT NOT NULL,
	UNIQUE (room_id, slot)
);
CREATE TABLE IF NOT EXISTS deathlink_settings (
	room_id VARCHAR PRIMARY KEY,
	probability DOUBLE PRECISION NOT NULL
);
`

// Open connects to Postgres and ensures the proxy's tables exist.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertDeathLink records a DeathLink event.
func (s *Store) InsertDeathLink(ctx context.Context, roomID string, slot uint32, source, cause string) (DeathLinkRecord, error) {
	var rec DeathLinkRecord
	var causeArg any
	if cause != "" {
		causeArg = cause
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO deathlinks (room_id, slot, source, cause) VALUES ($1, $2, $3, $4)
		 RETURNING id, room_id, slot, source, coalesce(cause, ''), created_at`,
		roomID, slot, source, causeArg,
	).Scan(&rec.ID, &rec.RoomID, &rec.Slot, &rec.Source, &rec.Cause, &rec.CreatedAt)
	if err != nil {
		return DeathLinkRecord{}, fmt.Errorf("persistence: insert deathlink: %w", err)
	}
	return rec, nil
}

// InsertCountdown records a disallowed !countdown attempt.
func (s *Store) InsertCountdown(ctx context.Context, roomID string, slot uint32) (CountdownRecord, error) {
	var rec CountdownRecord
	err := s.pool.QueryRow(ctx,
		`INSERT INTO countdowns (room_id, slot) VALUES ($1, $2)
		 RETURNING id, room_id, slot, created_at`,
		roomID, slot,
	).Scan(&rec.ID, &rec.RoomID, &rec.Slot, &rec.CreatedAt)
	if err != nil {
		return CountdownRecord{}, fmt.Errorf("persistence: insert countdown: %w", err)
	}
	return rec, nil
}

// RoomDeathLinks returns every recorded DeathLink for a room, newest first.
func (s *Store) RoomDeathLinks(ctx context.Context, roomID string) ([]DeathLinkRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, room_id, slot, source, coalesce(cause, ''), created_at
		 FROM deathlinks WHERE room_id = $1 ORDER BY created_at DESC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("persistence: query deathlinks: %w", err)
	}
	defer rows.Close()

	var out []DeathLinkRecord
	for rows.Next() {
		var rec DeathLinkRecord
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.Slot, &rec.Source, &rec.Cause, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan deathlink: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RoomExclusions returns a room's persisted DeathLink exclusion set.
func (s *Store) RoomExclusions(ctx context.Context, roomID string) ([]uint32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT slot FROM deathlink_exclusions WHERE room_id = $1 ORDER BY slot`, roomID)
	if err != nil {
		return nil, fmt.Errorf("persistence: query exclusions: %w", err)
	}
	defer rows.Close()

	var slots []uint32
	for rows.Next() {
		var slot uint32
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("persistence: scan exclusion: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// AddExclusion persists a slot as DeathLink-excluded. Returns true if it
// was newly added.
func (s *Store) AddExclusion(ctx context.Context, roomID string, slot uint32) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO deathlink_exclusions (room_id, slot) VALUES ($1, $2) ON CONFLICT (room_id, slot) DO NOTHING`,
		roomID, slot,
	)
	if err != nil {
		return false, fmt.Errorf("persistence: add exclusion: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveExclusion removes a slot from the exclusion set. Returns true if a
// row was removed.
func (s *Store) RemoveExclusion(ctx context.Context, roomID string, slot uint32) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deathlink_exclusions WHERE room_id = $1 AND slot = $2`, roomID, slot)
	if err != nil {
		return false, fmt.Errorf("persistence: remove exclusion: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Probability returns the persisted DeathLink probability fraction for a
// room. The second return value is false if no row has ever been written
// for this room, distinguishing an explicit "never deliver" (0, true) from
// "no setting yet" (0, false).
func (s *Store) Probability(ctx context.Context, roomID string) (float64, bool, error) {
	var p float64
	err := s.pool.QueryRow(ctx,
		`SELECT probability FROM deathlink_settings WHERE room_id = $1`, roomID).Scan(&p)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("persistence: query probability: %w", err)
	}
	return p, true, nil
}

// SetProbability takes probability as a percentage in [0, 100], clamps it,
// divides by 100, persists the resulting fraction, and returns that stored
// fraction.
func (s *Store) SetProbability(ctx context.Context, roomID string, percentage float64) (float64, error) {
	fraction := probabilityFraction(percentage)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deathlink_settings (room_id, probability) VALUES ($1, $2)
		 ON CONFLICT (room_id) DO UPDATE SET probability = excluded.probability`,
		roomID, fraction,
	)
	if err != nil {
		return 0, fmt.Errorf("persistence: set probability: %w", err)
	}
	return fraction, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// probabilityFraction clamps an incoming DeathLink probability percentage
// to [0, 100] and converts it to the [0, 1] fraction stored in the database
// and read by the pipeline's delivery roll.
func probabilityFraction(percentage float64) float64 {
	return clamp(percentage, 0, 100) / 100
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// SignalConsumer drains a collab.ChannelSink and persists every DeathLink
// and CountdownInit signal it observes, until ctx is cancelled. Run as a
// single long-lived goroutine from main.
func (s *Store) SignalConsumer(ctx context.Context, sink *collab.ChannelSink, roomID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sink.Channel():
			if !ok {
				return
			}
			switch {
			case sig.DeathLink != nil:
				_, _ = s.InsertDeathLink(ctx, roomID, sig.DeathLink.Slot, sig.DeathLink.Source, sig.DeathLink.Cause)
			case sig.CountdownInit != nil:
				_, _ = s.InsertCountdown(ctx, roomID, sig.CountdownInit.Slot)
			}
		}
	}
}
