package livestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// sqliteGetChunk keeps IN lists under SQLite's bound-variable limit.
const sqliteGetChunk = 500

// SQLite is a Transactional live store on a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Transactional = (*SQLite)(nil)

// OpenSQLite opens or creates a live store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open live store: %w", err)
	}
	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open database and applies the schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("live store: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put upserts rows outside of any batch. Used to seed a store.
func (s *SQLite) Put(ctx context.Context, rows ...ir.LiveResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, r := range rows {
		if err := sqliteUpsert(ctx, tx, r, 0); err != nil {
			return fmt.Errorf("put: %w", err)
		}
	}
	return tx.Commit()
}

// Get implements Reader.
func (s *SQLite) Get(ctx context.Context, keys []string) (map[string]ir.LiveResult, error) {
	out := make(map[string]ir.LiveResult, len(keys))
	for start := 0; start < len(keys); start += sqliteGetChunk {
		chunk := keys[start:min(start+sqliteGetChunk, len(keys))]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT key, value, logic_version, fingerprint
			FROM live_results
			WHERE key IN (`+strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")+`)
			ORDER BY key COLLATE BINARY ASC
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("get live rows: %w", err)
		}
		if err := collectRows(rows, out); err != nil {
			return nil, fmt.Errorf("get live rows: %w", err)
		}
	}
	return out, nil
}

// Keys implements Reader.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM live_results ORDER BY key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list live keys: %w", err)
	}
	return scanKeys(rows)
}

// ApplyBatch implements Transactional. The batch commits entirely or not at
// all; a fingerprint mismatch on any key rolls everything back.
func (s *SQLite) ApplyBatch(ctx context.Context, b Batch) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("apply batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var version int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM applied_batches WHERE batch_id = ?
	`, b.ID).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("apply batch: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM applied_batches
	`).Scan(&version); err != nil {
		return 0, fmt.Errorf("apply batch: next version: %w", err)
	}

	for _, c := range b.Corrections {
		cur, exists, err := getOne(tx.QueryRowContext(ctx, `
			SELECT key, value, logic_version, fingerprint FROM live_results WHERE key = ?
		`, c.Key))
		if err != nil {
			return 0, fmt.Errorf("apply batch: %w", err)
		}
		if err := checkFingerprint(c, cur, exists); err != nil {
			return 0, fmt.Errorf("apply batch %s: %w", b.ID, err)
		}
		row, keep, err := nextRow(c)
		if err != nil {
			return 0, fmt.Errorf("apply batch: %w", err)
		}
		if keep {
			err = sqliteUpsert(ctx, tx, row, version)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM live_results WHERE key = ?`, c.Key)
		}
		if err != nil {
			return 0, fmt.Errorf("apply batch: key %q: %w", c.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_batches (batch_id, version, corrections, applied_at)
		VALUES (?, ?, ?, ?)
	`, b.ID, version, len(b.Corrections), time.Now().UnixNano()); err != nil {
		return 0, fmt.Errorf("apply batch: record batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("apply batch: commit: %w", err)
	}
	return version, nil
}

func sqliteUpsert(ctx context.Context, tx *sql.Tx, r ir.LiveResult, version int64) error {
	r, err := normalize(r)
	if err != nil {
		return err
	}
	value, err := ir.MarshalIRValue(r.Value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO live_results (key, value, logic_version, fingerprint, batch_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value         = excluded.value,
			logic_version = excluded.logic_version,
			fingerprint   = excluded.fingerprint,
			batch_version = excluded.batch_version
	`, r.Key, string(value), r.LogicVersion, r.Fingerprint, version)
	return err
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLive(row scanner) (ir.LiveResult, error) {
	var (
		r     ir.LiveResult
		value string
	)
	if err := row.Scan(&r.Key, &value, &r.LogicVersion, &r.Fingerprint); err != nil {
		return ir.LiveResult{}, err
	}
	v, err := ir.DecodeValue([]byte(value))
	if err != nil {
		return ir.LiveResult{}, fmt.Errorf("key %q: %w", r.Key, err)
	}
	r.Value = v
	return normalize(r)
}

func getOne(row *sql.Row) (ir.LiveResult, bool, error) {
	r, err := scanLive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.LiveResult{}, false, nil
	}
	if err != nil {
		return ir.LiveResult{}, false, err
	}
	return r, true, nil
}

func collectRows(rows *sql.Rows, out map[string]ir.LiveResult) error {
	defer rows.Close()
	for rows.Next() {
		r, err := scanLive(rows)
		if err != nil {
			return err
		}
		out[r.Key] = r
	}
	return rows.Err()
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
