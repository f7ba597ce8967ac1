// Package db persists session history in SQLite: one row per admitted
// connection, closed out when the slot is released, plus a log of denied
// connection requests.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Database is a SQLite handle with serialised writes and a schema version
// kept in PRAGMA user_version.
type Database struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the SQLite file at dbPath and applies every entry
// of migrations past the stored schema version. Entry i brings the schema
// to version i+1 and runs in its own transaction.
func Open(dbPath string, migrations []string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	// SQLite allows one writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("failed to apply pragma")
		}
	}

	d := &Database{db: conn}
	if err := d.migrate(migrations); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("path", dbPath).Int("schema", len(migrations)).Msg("database opened")
	return d, nil
}

func (d *Database) migrate(migrations []string) error {
	current, err := d.Version()
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(migrations[v]); err != nil {
				return err
			}
			// PRAGMA does not take bound parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration to schema version %d failed: %w", v+1, err)
		}
		log.Debug().Int("version", v+1).Msg("database schema migrated")
	}
	return nil
}

// Version returns the applied schema version.
func (d *Database) Version() (int, error) {
	var v int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Close closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// Exec runs a write outside a transaction.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// Transaction runs fn in a transaction and commits if it returns nil.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}
