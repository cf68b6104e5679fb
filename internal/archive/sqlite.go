package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    partition       TEXT NOT NULL,
    seq_offset      INTEGER NOT NULL,
    id              TEXT NOT NULL,
    event_key       TEXT NOT NULL,
    ts              INTEGER NOT NULL,  -- unix nanoseconds
    payload         TEXT NOT NULL,     -- canonical JSON
    PRIMARY KEY (partition, seq_offset)
);

CREATE INDEX IF NOT EXISTS idx_events_partition_ts ON events(partition, ts);

CREATE TABLE IF NOT EXISTS retention (
    partition       TEXT PRIMARY KEY,
    floor           INTEGER NOT NULL,  -- unix nanoseconds
    purged_through  INTEGER NOT NULL   -- highest purged seq_offset, -1 if none
);
`

// SQLiteArchive is an archive backed by a local SQLite file.
type SQLiteArchive struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (or creates) an SQLite archive at path.
// readers bounds concurrent partition reads; values below 1 mean 1.
func OpenSQLite(path string, readers int) (*SQLiteArchive, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open archive: apply schema: %w", err)
	}

	// WAL lets readers proceed alongside the writer. Extra connections rely
	// on the driver's default busy timeout.
	if readers > 1 {
		db.SetMaxOpenConns(readers)
		db.SetMaxIdleConns(readers)
	}

	return &SQLiteArchive{db: db, logger: slog.Default()}, nil
}

// Close closes the database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

// Append writes events to the archive.
// Re-appending an existing (partition, offset) is a no-op, so a collaborator
// redelivering a batch cannot change archived history.
func (a *SQLiteArchive) Append(ctx context.Context, events ...ir.Event) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (partition, seq_offset, id, event_key, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition, seq_offset) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("append: prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if ev.Partition == "" {
			return fmt.Errorf("append: event %q has no partition", ev.ID)
		}
		payload := ev.Payload
		if payload == nil {
			payload = ir.IRObject{}
		}
		data, err := ir.MarshalCanonical(payload)
		if err != nil {
			return fmt.Errorf("append: event %q payload: %w", ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.Partition, ev.SequenceOffset, ev.ID, ev.Key, ev.Timestamp.UnixNano(), string(data),
		); err != nil {
			return fmt.Errorf("append: event %q: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

// SetRetention purges a partition's events older than floor and records the
// floor. Reads reaching before it fail with ErrRangeNotFound.
func (a *SQLiteArchive) SetRetention(ctx context.Context, partition string, floor time.Time) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set retention: begin tx: %w", err)
	}
	defer tx.Rollback()

	var purged sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq_offset) FROM events WHERE partition = ? AND ts < ?
	`, partition, floor.UnixNano()).Scan(&purged); err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	through := int64(-1)
	if purged.Valid {
		through = purged.Int64
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM events WHERE partition = ? AND ts < ?
	`, partition, floor.UnixNano()); err != nil {
		return fmt.Errorf("set retention: purge: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO retention (partition, floor, purged_through) VALUES (?, ?, ?)
		ON CONFLICT(partition) DO UPDATE SET
			floor = MAX(retention.floor, excluded.floor),
			purged_through = MAX(retention.purged_through, excluded.purged_through)
	`, partition, floor.UnixNano(), through); err != nil {
		return fmt.Errorf("set retention: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set retention: commit: %w", err)
	}
	a.logger.Debug("archive retention set", "partition", partition, "floor", floor, "purged_through", through)
	return nil
}

// Partitions lists partitions that hold events or a retention record.
func (a *SQLiteArchive) Partitions(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT partition FROM events
		UNION
		SELECT partition FROM retention
		ORDER BY 1 COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, Unavailable("", "list partitions", err)
	}
	defer rows.Close()

	partitions := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, Unavailable("", "scan partition", err)
		}
		partitions = append(partitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("", "iterate partitions", err)
	}
	return partitions, nil
}

// ReadRange yields the partition's events with Timestamp in r, by offset.
func (a *SQLiteArchive) ReadRange(ctx context.Context, partition string, r ir.TimeRange) iter.Seq2[ir.Event, error] {
	if err := r.Validate(); err != nil {
		return errSeq(fmt.Errorf("read range: %w", err))
	}
	return func(yield func(ir.Event, error) bool) {
		floor, _, found, err := a.retention(ctx, partition)
		if err != nil {
			yield(ir.Event{}, err)
			return
		}
		if found && r.Start.Before(floor) {
			yield(ir.Event{}, RangeNotFound(partition, r, floor))
			return
		}

		rows, err := a.db.QueryContext(ctx, `
			SELECT partition, seq_offset, id, event_key, ts, payload
			FROM events
			WHERE partition = ? AND ts >= ? AND ts < ?
			ORDER BY seq_offset ASC
		`, partition, r.Start.UnixNano(), r.End.UnixNano())
		if err != nil {
			yield(ir.Event{}, Unavailable(partition, "read range", err))
			return
		}
		a.yieldRows(partition, rows, yield)
	}
}

// ReadFromOffset yields the partition's events after offset, by offset.
func (a *SQLiteArchive) ReadFromOffset(ctx context.Context, partition string, offset int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		_, purgedThrough, found, err := a.retention(ctx, partition)
		if err != nil {
			yield(ir.Event{}, err)
			return
		}
		if found && offset < purgedThrough {
			yield(ir.Event{}, OffsetNotFound(partition, offset, purgedThrough))
			return
		}

		rows, err := a.db.QueryContext(ctx, `
			SELECT partition, seq_offset, id, event_key, ts, payload
			FROM events
			WHERE partition = ? AND seq_offset > ?
			ORDER BY seq_offset ASC
		`, partition, offset)
		if err != nil {
			yield(ir.Event{}, Unavailable(partition, "read from offset", err))
			return
		}
		a.yieldRows(partition, rows, yield)
	}
}

func (a *SQLiteArchive) retention(ctx context.Context, partition string) (floor time.Time, purgedThrough int64, found bool, err error) {
	var floorNanos int64
	err = a.db.QueryRowContext(ctx, `
		SELECT floor, purged_through FROM retention WHERE partition = ?
	`, partition).Scan(&floorNanos, &purgedThrough)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, -1, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, Unavailable(partition, "read retention", err)
	}
	return time.Unix(0, floorNanos).UTC(), purgedThrough, true, nil
}

func (a *SQLiteArchive) yieldRows(partition string, rows *sql.Rows, yield func(ir.Event, error) bool) {
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			yield(ir.Event{}, Unavailable(partition, "scan event", err))
			return
		}
		if !yield(ev, nil) {
			return
		}
	}
	if err := rows.Err(); err != nil {
		yield(ir.Event{}, Unavailable(partition, "iterate events", err))
	}
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var (
		ev      ir.Event
		ts      int64
		payload string
	)
	if err := rows.Scan(&ev.Partition, &ev.SequenceOffset, &ev.ID, &ev.Key, &ts, &payload); err != nil {
		return ir.Event{}, err
	}
	ev.Timestamp = time.Unix(0, ts).UTC()
	if err := ev.Payload.UnmarshalJSON([]byte(payload)); err != nil {
		return ir.Event{}, fmt.Errorf("event %s payload: %w", ev.ID, err)
	}
	return ev, nil
}
