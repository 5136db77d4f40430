package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens a store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStore{}, fmt.Errorf("open %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("initialize %s: %w", filename, err)
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.ensure(ctx, name); err != nil {
		return nil, err
	}
	return sqlitePartition{store: s, name: name}, nil
}

// ensure creates the partition row. Callers must hold the write mutex.
func (s SQLiteStore) ensure(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("open partition %s: %w", name, err)
	}
	return nil
}

func (s SQLiteStore) Drop(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("drop partition %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return fmt.Errorf("drop partition %s: %w", name, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s SQLiteStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	store SQLiteStore
	name  string
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := p.store.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?", p.name, key,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (p sqlitePartition) Put(ctx context.Context, key string, value []byte) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()
	if err := p.store.ensure(ctx, p.name); err != nil {
		return err
	}
	_, err := p.store.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		p.name, key, time.Now().Unix(), value)
	return err
}

func (p sqlitePartition) Delete(ctx context.Context, key string) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()
	_, err := p.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	return err
}

func (p sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY key", p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
