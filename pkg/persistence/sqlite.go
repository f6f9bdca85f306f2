package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	doc_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	data       BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (doc_id, seq)
)`

// SQLiteStore keeps update logs in a SQLite database file.
type SQLiteStore struct {
	path  string
	table string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable sets the table name.
// Default: "doc_updates".
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		s.table = name
	}
}

// NewSQLiteStore creates a store for the database at path. The file is
// opened by Connect.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("persistence: sqlite path is required")
	}
	s := &SQLiteStore{
		path:  filepath.Clean(path),
		table: "doc_updates",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect implements UpdateStore.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.db != nil {
		return nil
	}

	dsn := s.path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(sqliteSchema, s.table)); err != nil {
		_ = db.Close()
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

// Load implements UpdateStore.
func (s *SQLiteStore) Load(ctx context.Context, id string) ([]Record, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT seq, data FROM %s WHERE doc_id = ? ORDER BY seq`, s.table), id)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Update); err != nil {
			return nil, fmt.Errorf("scan %q: %w", id, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %q: %w", id, err)
	}
	return out, nil
}

// Append implements UpdateStore.
func (s *SQLiteStore) Append(ctx context.Context, id string, update []byte) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE doc_id = ?`, s.table), id).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	seq++
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (doc_id, seq, data, created_at) VALUES (?, ?, ?, ?)`, s.table),
		id, seq, update, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append %q: %w", id, err)
	}
	return seq, nil
}

// Compact implements UpdateStore. The replacement runs in one transaction.
func (s *SQLiteStore) Compact(ctx context.Context, id string, merged []byte, through int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE doc_id = ? AND seq <= ?`, s.table), id, through); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (doc_id, seq, data, created_at) VALUES (?, ?, ?, ?)`, s.table),
		id, through, merged, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("compact %q: %w", id, err)
	}
	return nil
}

// Close implements UpdateStore.
func (s *SQLiteStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
