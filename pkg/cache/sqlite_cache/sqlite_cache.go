package sqlite_cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pmkol/swcache/pkg/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	name  TEXT NOT NULL,
	UNIQUE (scope, name)
);
CREATE TABLE IF NOT EXISTS entries (
	bucket_seq INTEGER NOT NULL REFERENCES buckets (seq) ON DELETE CASCADE,
	cache_key  TEXT NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (bucket_seq, cache_key)
);
`

// DB is one sqlite file shared by the storages of every worker scope.
type DB struct {
	sqlDB *sql.DB
}

// Open opens and migrates the sqlite file at path.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time. Concurrent read-then-write transactions would
	// otherwise fail with SQLITE_BUSY instead of waiting.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{sqlDB: sqlDB}, nil
}

// Close releases the underlying sqlite connection.
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// Storage returns the cache.Storage of scope. Closing it does not close db.
func (db *DB) Storage(scope string) (*SQLiteStorage, error) {
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("empty scope")
	}
	return &SQLiteStorage{db: db.sqlDB, scope: scope}, nil
}

type SQLiteStorage struct {
	db    *sql.DB
	scope string
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (scope, name) VALUES (?, ?) ON CONFLICT (scope, name) DO NOTHING`,
		s.scope, name)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	var seq int64
	err = s.db.QueryRowContext(ctx,
		`SELECT seq FROM buckets WHERE scope = ? AND name = ?`, s.scope, name).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return &sqliteBucket{db: s.db, name: name, seq: seq}, nil
}

func (s *SQLiteStorage) Lookup(ctx context.Context, name string) (cache.Bucket, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM buckets WHERE scope = ? AND name = ?`, s.scope, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup bucket: %w", err)
	}
	return &sqliteBucket{db: s.db, name: name, seq: seq}, true, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buckets WHERE scope = ? AND name = ?`, s.scope, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has bucket: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM buckets WHERE scope = ? ORDER BY seq`, s.scope)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	return names, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buckets WHERE scope = ? AND name = ?`, s.scope, name)
	if err != nil {
		return false, fmt.Errorf("delete bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete bucket: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT e.data FROM entries e JOIN buckets b ON b.seq = e.bucket_seq
		 WHERE b.scope = ? AND e.cache_key = ?
		 ORDER BY b.seq LIMIT 1`, s.scope, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match entry: %w", err)
	}
	e, err := cache.Unpack(data)
	if err != nil {
		return nil, false, fmt.Errorf("unpack entry: %w", err)
	}
	return e, true, nil
}

// Close is a no-op, the DB is closed by its owner.
func (s *SQLiteStorage) Close() error {
	return nil
}

type sqliteBucket struct {
	db   *sql.DB
	name string
	seq  int64
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM entries WHERE bucket_seq = ? AND cache_key = ?`, b.seq, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match entry: %w", err)
	}
	e, err := cache.Unpack(data)
	if err != nil {
		return nil, false, fmt.Errorf("unpack entry: %w", err)
	}
	return e, true, nil
}

func (b *sqliteBucket) Put(ctx context.Context, key string, e *cache.Entry) error {
	return b.PutAll(ctx, []cache.KV{{Key: key, Entry: e}})
}

func (b *sqliteBucket) PutAll(ctx context.Context, kvs []cache.KV) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE seq = ?`, b.seq).Scan(&n); err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	if n == 0 {
		return cache.ErrBucketDeleted
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (bucket_seq, cache_key, data) VALUES (?, ?, ?)
		 ON CONFLICT (bucket_seq, cache_key) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	defer stmt.Close()

	for _, kv := range kvs {
		buf := cache.Pack(kv.Entry)
		_, err := stmt.ExecContext(ctx, b.seq, kv.Key, buf.Bytes())
		buf.Release()
		if err != nil {
			return fmt.Errorf("put entry %s: %w", kv.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT cache_key FROM entries WHERE bucket_seq = ? ORDER BY rowid`, b.seq)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return keys, nil
}
