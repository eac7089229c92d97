package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// The daemon and `bookpipe history` may hold the ledger open at the same
// time, so writers wait on the lock instead of failing with SQLITE_BUSY.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// SQLiteStore is the processing ledger backed by a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the ledger at dbPath, creating the file and its
// directory when missing, and brings the schema up to date.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != memoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", dbPath, err)
	}

	// An in-memory database exists per connection.
	if dbPath == memoryPath {
		db.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating ledger: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SchemaVersion reports the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var v int
	if err := s.db.Get(&v, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// migrate applies every migration newer than the recorded version, each in
// its own transaction together with its schema_version row.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(
		"CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)",
	); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("starting migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}

	return nil
}
