// Package storedb opens SQLite databases and applies per-module schema
// migrations.
package storedb

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jingkaihe/stubnet/internal/errx"
)

const busyTimeoutMS = 5000

var (
	ErrOpen      = errors.New("storedb: open database")
	ErrMigrate   = errors.New("storedb: migrate")
	ErrMigration = errors.New("storedb: invalid migration")
)

// Migration is one schema step. Versions are per module and must increase.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// OpenOptions configures Open.
type OpenOptions struct {
	Path       string
	Module     string
	Migrations []Migration
}

// Open opens (creating if needed) the database at opts.Path in WAL mode and
// applies every migration of opts.Module that has not run yet.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" || opts.Module == "" {
		return nil, errx.With(ErrOpen, ": path and module are required")
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errx.Wrap(ErrOpen, err)
		}
	}

	db, err := sql.Open("sqlite", dsn(opts.Path))
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrOpen, err)
	}
	if err := migrate(db, opts.Module, opts.Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

func migrate(db *sql.DB, module string, migrations []Migration) error {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version <= 0 {
			return errx.With(ErrMigration, ": %s version %d must be positive", module, m.Version)
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return errx.With(ErrMigration, ": %s version %d is duplicated", module, m.Version)
		}
	}

	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
)`); err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	var current int
	if err := db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE module = ?`,
		module,
	).Scan(&current); err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		if err := apply(db, module, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(db *sql.DB, module string, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return errx.Wrap(ErrMigrate, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		_ = tx.Rollback()
		return errx.Wrap(ErrMigrate, fmt.Errorf("%s v%d %s: %w", module, m.Version, m.Name, err))
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
		module, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		_ = tx.Rollback()
		return errx.Wrap(ErrMigrate, err)
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(ErrMigrate, err)
	}
	return nil
}

// AppliedVersions lists the migration versions recorded for module.
func AppliedVersions(db *sql.DB, module string) ([]int, error) {
	rows, err := db.Query(
		`SELECT version FROM schema_migrations WHERE module = ? ORDER BY version ASC`,
		module,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
