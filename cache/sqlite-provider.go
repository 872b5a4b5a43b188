package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage stores partitions in a SQLite database.
// Insertion order is the autoincrement sequence of the entries table;
// INSERT OR REPLACE gives a replaced key a new sequence number.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqlitePartition struct {
	name    string
	storage *SQLiteStorage
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// every connection to an in-memory db is a separate db
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			UNIQUE (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition, seq)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite db: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		StorageErrors.WithLabelValues("sqlite", "open").Inc()
		return nil, err
	}
	return &sqlitePartition{name: name, storage: s}, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, name string) (Partition, error) {
	exists, err := s.Has(ctx, name)
	if err != nil {
		StorageErrors.WithLabelValues("sqlite", "get").Inc()
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &sqlitePartition{name: name, storage: s}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM partitions WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		StorageErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		StorageErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY seq ASC")
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

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := p.storage.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE partition = ? AND key = ?", p.name, key,
	).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		StorageErrors.WithLabelValues("sqlite", "match").Inc()
		return nil, false, err
	}
	return bytes, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, value []byte) error {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	tx, err := p.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// the partition may have been deleted while this handle was held
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", p.name); err != nil {
		StorageErrors.WithLabelValues("sqlite", "put").Inc()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, bytes) VALUES (?, ?, ?)",
		p.name, key, value,
	); err != nil {
		StorageErrors.WithLabelValues("sqlite", "put").Inc()
		return err
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.storage.writeMutex.Lock()
	defer p.storage.writeMutex.Unlock()
	result, err := p.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		StorageErrors.WithLabelValues("sqlite", "delete").Inc()
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", p.name)
	if err != nil {
		StorageErrors.WithLabelValues("sqlite", "keys").Inc()
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

func (p *sqlitePartition) Len(ctx context.Context) (int, error) {
	var n int
	err := p.storage.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.name).Scan(&n)
	return n, err
}
