// Package sqlite persists cache partitions in a SQLite database using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS partitions (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	partition_name TEXT NOT NULL REFERENCES partitions(name) ON DELETE CASCADE,
	identity  TEXT NOT NULL,
	snapshot  BLOB NOT NULL,
	PRIMARY KEY (partition_name, identity)
);`

// Store implements store.Store on a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating when needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache store: sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps pragmas and transactions consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Open(ctx context.Context, name string) (store.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, store.ErrEmptyName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &partition{db: s.db, name: name}, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return scanStrings(rows)
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return partitionExists(ctx, s.db, name)
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if name == "" {
		return false, store.ErrEmptyName
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type partition struct {
	db   *sql.DB
	name string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, identity string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT snapshot FROM entries WHERE partition_name = ? AND identity = ?`, p.name, identity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.ensureExists(ctx, p.db); err != nil {
			return store.Snapshot{}, err
		}
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("match %s: %w", identity, err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode %s: %w", identity, err)
	}
	return snap, nil
}

func (p *partition) Put(ctx context.Context, identity string, snap store.Snapshot) error {
	return p.PutAll(ctx, []store.Entry{{Identity: identity, Snapshot: snap}})
}

func (p *partition) PutAll(ctx context.Context, entries []store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateEntries(entries); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.ensureExists(ctx, tx); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (partition_name, identity, snapshot) VALUES (?, ?, ?)
		 ON CONFLICT(partition_name, identity) DO UPDATE SET snapshot = excluded.snapshot`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		data, err := json.Marshal(store.Stamp(e.Snapshot))
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Identity, err)
		}
		if _, err := stmt.ExecContext(ctx, p.name, e.Identity, data); err != nil {
			return fmt.Errorf("put %s: %w", e.Identity, err)
		}
	}
	return tx.Commit()
}

func (p *partition) Delete(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := p.ensureExists(ctx, p.db); err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM entries WHERE partition_name = ? AND identity = ?`, p.name, identity)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureExists(ctx, p.db); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT identity FROM entries WHERE partition_name = ? ORDER BY identity`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return scanStrings(rows)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *partition) ensureExists(ctx context.Context, q queryer) error {
	ok, err := partitionExists(ctx, q, p.name)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrPartitionDeleted
	}
	return nil
}

func partitionExists(ctx context.Context, q queryer, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup partition %s: %w", name, err)
	}
	return n > 0, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
