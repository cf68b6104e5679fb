package livestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/rewind/internal/ir"
)

// applyLockID serializes batch application across rewind processes sharing
// one database.
const applyLockID = 0x72657769

// Postgres is a Transactional live store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

var _ Transactional = (*Postgres)(nil)

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres live store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres live store: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database. Call EnsureSchema for a fresh database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the live store tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres live store: apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Get implements Reader.
func (p *Postgres) Get(ctx context.Context, keys []string) (map[string]ir.LiveResult, error) {
	out := make(map[string]ir.LiveResult, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value, logic_version, fingerprint FROM live_results WHERE key = ANY($1) ORDER BY key
	`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("get live rows: %w", err)
	}
	if err := collectRows(rows, out); err != nil {
		return nil, fmt.Errorf("get live rows: %w", err)
	}
	return out, nil
}

// Keys implements Reader.
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM live_results ORDER BY key COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("list live keys: %w", err)
	}
	return scanKeys(rows)
}

// ApplyBatch implements Transactional. Rows are locked with FOR UPDATE before
// their fingerprints are compared.
func (p *Postgres) ApplyBatch(ctx context.Context, b Batch) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("apply batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, applyLockID); err != nil {
		return 0, fmt.Errorf("apply batch: lock: %w", err)
	}

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM applied_batches WHERE batch_id = $1`, b.ID).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("apply batch: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM applied_batches`).Scan(&version); err != nil {
		return 0, fmt.Errorf("apply batch: next version: %w", err)
	}

	for _, c := range b.Corrections {
		cur, exists, err := getOne(tx.QueryRowContext(ctx, `
			SELECT key, value, logic_version, fingerprint FROM live_results WHERE key = $1 FOR UPDATE
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
			var value []byte
			value, err = ir.MarshalIRValue(row.Value)
			if err == nil {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO live_results (key, value, logic_version, fingerprint, batch_version)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (key) DO UPDATE SET
						value = EXCLUDED.value,
						logic_version = EXCLUDED.logic_version,
						fingerprint = EXCLUDED.fingerprint,
						batch_version = EXCLUDED.batch_version
				`, row.Key, string(value), row.LogicVersion, row.Fingerprint, version)
			}
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM live_results WHERE key = $1`, c.Key)
		}
		if err != nil {
			return 0, fmt.Errorf("apply batch: key %q: %w", c.Key, pgError(err))
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_batches (batch_id, version, corrections, applied_at) VALUES ($1, $2, $3, $4)
	`, b.ID, version, len(b.Corrections), time.Now().UnixNano()); err != nil {
		return 0, fmt.Errorf("apply batch: record batch: %w", pgError(err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("apply batch: commit: %w", pgError(err))
	}
	return version, nil
}

// pgError adds the SQLSTATE class to driver errors for logs.
func pgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (sqlstate %s, %s)", err, pqErr.Code, pqErr.Code.Class().Name())
	}
	return err
}
