// Package store persists conversations, knowledge documents, search logs and
// appointments in SQLite or PostgreSQL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavour behind a Store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type Config struct {
	Driver string // sqlite | postgres
	DSN    string // file path for sqlite, connection URL for postgres
	Logger *slog.Logger
}

// Store implements domain.ConversationStore, domain.KnowledgeStore and
// domain.Scheduler over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

// Open connects and applies pending migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch Dialect(cfg.Driver) {
	case DialectSQLite, "":
		if cfg.DSN != ":memory:" {
			dir := filepath.Dir(cfg.DSN)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
			}
		}
		db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		// Single connection for SQLite; also keeps ":memory:" to one database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return newMigrated(db, DialectSQLite, cfg.Logger)

	case DialectPostgres:
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return newMigrated(db, DialectPostgres, cfg.Logger)
	}
	return nil, fmt.Errorf("unknown store driver %q (want sqlite or postgres)", cfg.Driver)
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func newMigrated(db *sql.DB, d Dialect, logger *slog.Logger) (*Store, error) {
	s := New(db, d, logger)
	if err := RunMigrations(db, d, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// New wraps an already-migrated handle.
func New(db *sql.DB, d Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: d, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the handle for collaborators sharing the database, such as pgvector.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	return rebind(s.dialect, q)
}

func rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
