package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_buckets (
	name TEXT NOT NULL,
	sub  TEXT NOT NULL,
	PRIMARY KEY (name, sub)
);
CREATE TABLE IF NOT EXISTS kv_items (
	name  TEXT NOT NULL,
	sub   TEXT NOT NULL,
	key   BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (name, sub, key)
) WITHOUT ROWID;
`

// SQLiteEngine keeps every physical instance in its own SQLite file named
// "<name>.sqlite" inside Dir. Buckets are emulated with a (name, sub) column
// pair, so the layout matches the bbolt engine one to one.
type SQLiteEngine struct {
	Dir    string
	Logger *slog.Logger
}

func NewSQLiteEngine(dir string) *SQLiteEngine {
	return &SQLiteEngine{Dir: dir}
}

func (e *SQLiteEngine) Open(ctx context.Context, name string, version uint64, upgrade UpgradeFunc) (*Instance, error) {
	if err := validateInstanceName(name); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(e.Dir, name+".sqlite"))
	if err != nil {
		return nil, fmt.Errorf("kvstore: %s: failed to open database: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: %s: failed to connect to database: %w", name, err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: %s: failed to execute %q: %w", name, pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: %s: failed to apply schema: %w", name, err)
	}
	return openInstance(ctx, &sqliteBackend{db: db}, name, version, upgrade, e.Logger)
}

type sqliteBackend struct {
	db *sql.DB
}

func (s *sqliteBackend) begin(ctx context.Context, writable bool) (backendTx, error) {
	stx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{ctx: ctx, stx: stx, writable: writable}, nil
}

func (s *sqliteBackend) close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx      context.Context
	stx      *sql.Tx
	writable bool
	done     bool
	err      error // first failed bucket lookup
}

func (tx *sqliteTx) Writable() bool { return tx.writable }

func (tx *sqliteTx) exists(name, sub string) (bool, error) {
	var n int
	err := tx.stx.QueryRowContext(tx.ctx, `SELECT COUNT(*) FROM kv_buckets WHERE name = ? AND sub = ?`, name, sub).Scan(&n)
	return n > 0, err
}

// Bucket reports a failed lookup through a bucket whose every operation
// returns the error, so callers never mistake it for a missing bucket.
func (tx *sqliteTx) Bucket(name, sub string) backendBucket {
	ok, err := tx.exists(name, sub)
	if err != nil {
		err = fmt.Errorf("bucket %s/%s: %w", name, sub, err)
		if tx.err == nil {
			tx.err = err
		}
		return failedBucket{err}
	}
	if !ok {
		return nil
	}
	return sqliteBucket{tx: tx, name: name, sub: sub}
}

func (tx *sqliteTx) CreateBucket(name, sub string) (backendBucket, error) {
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	const q = `INSERT OR IGNORE INTO kv_buckets (name, sub) VALUES (?, ?)`
	if _, err := tx.stx.ExecContext(tx.ctx, q, name, ""); err != nil {
		return nil, err
	}
	if sub != "" {
		if _, err := tx.stx.ExecContext(tx.ctx, q, name, sub); err != nil {
			return nil, err
		}
	}
	return sqliteBucket{tx: tx, name: name, sub: sub}, nil
}

func (tx *sqliteTx) DeleteBucket(name, sub string) error {
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	ok, err := tx.exists(name, sub)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	if sub == "" {
		if _, err := tx.stx.ExecContext(tx.ctx, `DELETE FROM kv_items WHERE name = ?`, name); err != nil {
			return err
		}
		_, err = tx.stx.ExecContext(tx.ctx, `DELETE FROM kv_buckets WHERE name = ?`, name)
		return err
	}
	if _, err := tx.stx.ExecContext(tx.ctx, `DELETE FROM kv_items WHERE name = ? AND sub = ?`, name, sub); err != nil {
		return err
	}
	_, err = tx.stx.ExecContext(tx.ctx, `DELETE FROM kv_buckets WHERE name = ? AND sub = ?`, name, sub)
	return err
}

func (tx *sqliteTx) Commit() error {
	tx.done = true
	if !tx.writable {
		return tx.stx.Rollback()
	}
	if tx.err != nil {
		tx.stx.Rollback()
		return fmt.Errorf("refusing to commit after %w", tx.err)
	}
	return tx.stx.Commit()
}

func (tx *sqliteTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	err := tx.stx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqliteBucket struct {
	tx   *sqliteTx
	name string
	sub  string
}

func (b sqliteBucket) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.tx.stx.QueryRowContext(b.tx.ctx, `SELECT value FROM kv_items WHERE name = ? AND sub = ? AND key = ?`, b.name, b.sub, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if value == nil && err == nil {
		value = []byte{}
	}
	return value, err
}

func (b sqliteBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := b.tx.stx.ExecContext(b.tx.ctx, `INSERT INTO kv_items (name, sub, key, value) VALUES (?, ?, ?, ?)
		ON CONFLICT (name, sub, key) DO UPDATE SET value = excluded.value`, b.name, b.sub, key, value)
	return err
}

func (b sqliteBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	_, err := b.tx.stx.ExecContext(b.tx.ctx, `DELETE FROM kv_items WHERE name = ? AND sub = ? AND key = ?`, b.name, b.sub, key)
	return err
}

func (b sqliteBucket) Cursor() backendCursor {
	return &sqliteCursor{b: b}
}

func (b sqliteBucket) KeyCount() int {
	var n int
	err := b.tx.stx.QueryRowContext(b.tx.ctx, `SELECT COUNT(*) FROM kv_items WHERE name = ? AND sub = ?`, b.name, b.sub).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

type failedBucket struct {
	err error
}

func (b failedBucket) Get(key []byte) ([]byte, error) { return nil, b.err }
func (b failedBucket) Put(key, value []byte) error    { return b.err }
func (b failedBucket) Delete(key []byte) error        { return b.err }
func (b failedBucket) Cursor() backendCursor          { return &sqliteCursor{err: b.err} }
func (b failedBucket) KeyCount() int                  { return 0 }

// sqliteCursor fetches one row per step, keyed off the last returned key.
type sqliteCursor struct {
	b    sqliteBucket
	last []byte
	err  error
}

func (c *sqliteCursor) First() ([]byte, []byte) {
	return c.fetch(`SELECT key, value FROM kv_items WHERE name = ? AND sub = ? ORDER BY key LIMIT 1`, c.b.name, c.b.sub)
}

func (c *sqliteCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.fetch(`SELECT key, value FROM kv_items WHERE name = ? AND sub = ? AND key >= ? ORDER BY key LIMIT 1`, c.b.name, c.b.sub, seek)
}

func (c *sqliteCursor) Next() ([]byte, []byte) {
	if c.last == nil {
		return c.First()
	}
	return c.fetch(`SELECT key, value FROM kv_items WHERE name = ? AND sub = ? AND key > ? ORDER BY key LIMIT 1`, c.b.name, c.b.sub, c.last)
}

func (c *sqliteCursor) Err() error { return c.err }

func (c *sqliteCursor) fetch(query string, args ...any) ([]byte, []byte) {
	if c.err != nil {
		return nil, nil
	}
	var k, v []byte
	err := c.b.tx.stx.QueryRowContext(c.b.tx.ctx, query, args...).Scan(&k, &v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		c.err = err
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	c.last = k
	return k, v
}
