// Package journal keeps an append-only SQLite log of the envelopes broadcast
// in a room, so replicas joining mid-session can catch up.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/store"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Entry is a journaled envelope with its position in the log.
type Entry struct {
	Seq      int64          `json:"seq"`
	TsIngest time.Time      `json:"ts_ingest"`
	Envelope store.Envelope `json:"envelope"`
}

// Journal manages the SQLite connection and schema.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

func WithLogger(l zerolog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// Open initializes the SQLite database at path.
// It enables WAL mode for concurrent readers.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	// Envelope metadata is kept in columns for filtering; the envelope itself
	// is stored whole as JSON.
	query := `
	CREATE TABLE IF NOT EXISTS envelopes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		envelope_id TEXT NOT NULL UNIQUE,
		room TEXT NOT NULL,
		session TEXT NOT NULL,
		op_count INTEGER NOT NULL,
		ts_emit DATETIME NOT NULL,
		ts_ingest DATETIME NOT NULL,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_envelopes_room_seq ON envelopes(room, seq);
	`

	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create envelopes table: %w", err)
	}
	return nil
}

// Append stores env. It reports false when an envelope with the same id was
// already journaled.
func (j *Journal) Append(ctx context.Context, env store.Envelope) (bool, error) {
	if env.EnvelopeID == "" {
		return false, errors.New("envelope id is required")
	}
	payload, err := sonic.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("failed to encode envelope: %w", err)
	}

	res, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO envelopes (envelope_id, room, session, op_count, ts_emit, ts_ingest, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.EnvelopeID, env.Room, env.Session, len(env.Ops), env.TsEmit.UTC(), time.Now().UTC(), string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert envelope %s: %w", env.EnvelopeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReadAfter returns up to limit entries of room with a sequence greater than
// after, oldest first. A non-positive limit means DefaultLimit.
func (j *Journal) ReadAfter(ctx context.Context, room string, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, ts_ingest, payload FROM envelopes
		WHERE room = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, room, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	return scanEntries(rows)
}

// ReadBefore returns up to limit of the oldest entries of room ingested
// before cutoff.
func (j *Journal) ReadBefore(ctx context.Context, room string, cutoff time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, ts_ingest, payload FROM envelopes
		WHERE room = ? AND ts_ingest < ?
		ORDER BY seq ASC
		LIMIT ?`, room, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.TsIngest, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		if err := sonic.UnmarshalString(payload, &e.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode envelope at seq %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate envelopes: %w", err)
	}
	return entries, nil
}

// Count returns the number of envelopes journaled for room.
func (j *Journal) Count(ctx context.Context, room string) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM envelopes WHERE room = ?", room).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return n, nil
}

// DeleteThrough deletes the envelopes of room with a sequence up to and
// including seq.
func (j *Journal) DeleteThrough(ctx context.Context, room string, seq int64) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM envelopes WHERE room = ? AND seq <= ?", room, seq)
	if err != nil {
		return 0, fmt.Errorf("failed to delete envelopes: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes envelopes of room ingested before cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, room string, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM envelopes WHERE room = ? AND ts_ingest < ?", room, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune envelopes: %w", err)
	}
	return res.RowsAffected()
}

// Record journals every envelope the relay delivers for room until the
// returned function is called.
func (j *Journal) Record(ctx context.Context, r store.Relay, room string) (func(), error) {
	return r.Subscribe(ctx, room, func(env store.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		added, err := j.Append(ctx, env)
		if err != nil {
			JournalAppendErrors.Inc()
			j.logger.Error().Err(err).Str("envelope_id", env.EnvelopeID).Msg("journal_append_failed")
			return
		}
		if added {
			JournalEnvelopes.WithLabelValues(room).Inc()
		}
	})
}

// Replay restores every journaled envelope of the store's room into it,
// including the store's own earlier ones, and returns how many envelopes
// were read.
func (j *Journal) Replay(ctx context.Context, s *store.Store) (int, error) {
	var (
		after int64
		total int
	)
	for {
		entries, err := j.ReadAfter(ctx, s.Room(), after, MaxLimit)
		if err != nil {
			return total, err
		}
		for _, e := range entries {
			s.Restore(e.Envelope)
			after = e.Seq
		}
		total += len(entries)
		if len(entries) < MaxLimit {
			break
		}
	}
	j.logger.Info().Str("room", s.Room()).Int("envelopes", total).Msg("journal_replayed")
	return total, nil
}
