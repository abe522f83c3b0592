// Package metadata implements the durable, transactional catalog of
// path entries, remote segments, and configuration. Every controller
// opens its own Store over the same SQLite database file, so the
// reference-counted transaction nesting below is a per-connection
// counter; writers on different connections are serialised by SQLite
// itself (BEGIN IMMEDIATE under WAL, with a busy timeout).
package metadata

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	mlerrors "github.com/gmta/mountload/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// schemaVersion is the current metadata schema version, recorded in
// the config table's "version" row on creation.
const schemaVersion = 1

// Store wraps one SQLite connection backing the metadata catalog. A
// Store belongs to one controller at a time: the nesting counter
// assumes its connection never interleaves two logical transactions,
// which holds because the pool gives each controller — and therefore
// each Store — to a single goroutine at a time. Cross-controller
// consistency comes from SQLite's own locking, not from this type.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	depth int
}

// Open opens (creating if absent) the SQLite database at dbPath,
// applies pragmas tuned for a single-writer/many-reader workload, runs
// embedded migrations, and verifies or initialises the schema version.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connString := fmt.Sprintf(
		"%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=ON",
		dbPath,
	)
	conn, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	// One connection per Store keeps the nesting counter honest: the
	// raw BEGIN/COMMIT statements below must land on the same
	// connection as every statement issued between them.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping metadata store: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run metadata migrations: %w", err)
	}

	store := &Store{conn: conn, logger: logger.With("component", "metadata")}
	if err := store.ensureSchemaVersion(); err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureSchemaVersion() error {
	version, err := s.GetConfigInteger("version")
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == nil {
		// Fresh store: record the current version.
		return s.SetConfig("version", strconv.Itoa(schemaVersion))
	}
	if *version < schemaVersion {
		return mlerrors.NewMetadataCorrupt(
			fmt.Sprintf("schema version %d has no upgrade path to %d", *version, schemaVersion), nil)
	}
	if *version > schemaVersion {
		return mlerrors.NewMetadataCorrupt(
			fmt.Sprintf("schema version %d is newer than this build supports (%d)", *version, schemaVersion), nil)
	}
	return nil
}

// Close rolls back any open transaction before releasing the
// connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.depth > 0 {
		s.logger.Warn("closing metadata store with an open transaction; rolling back")
		s.conn.Exec("ROLLBACK")
		s.depth = 0
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// Begin starts a transaction, or joins an already-open one: only the
// outermost Begin issues a real BEGIN IMMEDIATE.
func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		if _, err := s.conn.Exec("BEGIN IMMEDIATE"); err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
	}
	s.depth++
	return nil
}

// Commit unwinds one level of nesting; only the outermost Commit
// issues a real COMMIT.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return fmt.Errorf("commit called with no transaction open")
	}
	s.depth--
	if s.depth == 0 {
		if _, err := s.conn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
	}
	return nil
}

// Rollback unwinds all nesting depth and aborts the physical
// transaction, regardless of how many Begin calls were nested.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		return fmt.Errorf("rollback called with no transaction open")
	}
	s.depth = 0
	if _, err := s.conn.Exec("ROLLBACK"); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a Begin/Commit pair, rolling back (to
// depth zero) if fn returns an error. Nested calls compose correctly
// via the reference-counted depth.
func (s *Store) WithTransaction(fn func() error) error {
	if err := s.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rerr := s.Rollback(); rerr != nil {
			s.logger.Error("rollback after error failed", "err", rerr, "cause", err)
		}
		return err
	}
	return s.Commit()
}

// runMigrations applies any pending embedded migrations. Several
// controllers may open the database concurrently, so the whole
// check-then-apply sequence runs under one immediate transaction.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Exec("ROLLBACK")
		return err
	}
	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.TrimSuffix(filename, ".sql")

		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("check migration status for %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := embedMigrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(cleanMigrationSQL(string(content))); err != nil {
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}

	return nil
}

// cleanMigrationSQL strips goose's annotation comments, executing only
// the Up section. The migrations are plain SQL; goose itself is not a
// dependency of this repository.
func cleanMigrationSQL(sql string) string {
	lines := strings.Split(sql, "\n")
	var clean []string

	inUp := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "-- +goose Up"):
			inUp = true
			continue
		case strings.HasPrefix(trimmed, "-- +goose Down"):
			return strings.Join(clean, "\n")
		case strings.HasPrefix(trimmed, "-- +goose StatementBegin"),
			strings.HasPrefix(trimmed, "-- +goose StatementEnd"):
			continue
		}
		if inUp {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}
