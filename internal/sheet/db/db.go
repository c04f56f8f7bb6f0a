// Package db provides SQL persistence for the sheet: the row table the
// development server serves, and the client-side snapshot cache.
//
// Two engines are supported, chosen by DSN:
//
//	sqlite:/path/to/cache.db   embedded SQLite (ncruces/go-sqlite3), WAL mode
//	/path/to/cache.db          same as above
//	postgres://user@host/db    PostgreSQL (lib/pq)
//
// Queries are written with ? placeholders and rebound to $n for PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Dialect identifies the SQL engine behind a DB.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DB wraps a database connection with sheet-specific queries.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	path    string
}

// Open connects to the database named by dsn. The caller MUST call Close.
//
// Example:
//
//	cache, err := db.Open("sqlite:" + filepath.Join(home, ".sheetsync", "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, fmt.Errorf("dsn cannot be empty")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return openPostgres(dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return openSQLite(strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "//"))
	case strings.Contains(dsn, "://"):
		return nil, fmt.Errorf("unsupported database scheme in %q", dsn)
	default:
		return openSQLite(dsn)
	}
}

func openSQLite(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, dialect: SQLite, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &DB{conn: conn, dialect: Postgres}, nil
}

// Dialect returns the engine behind db.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection. SQLite checkpoints its WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.dialect == SQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Safe to call repeatedly.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := sqliteSchema
	if db.dialect == Postgres {
		ddl = postgresSchema
	}
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sheet_rows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fields TEXT NOT NULL,  -- JSON object, column order preserved
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_cache (
	cache_key TEXT PRIMARY KEY,
	records TEXT NOT NULL,  -- JSON array of records
	fingerprint TEXT NOT NULL,
	fetched_at TEXT NOT NULL
)`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sheet_rows (
	id BIGSERIAL PRIMARY KEY,
	fields TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_cache (
	cache_key TEXT PRIMARY KEY,
	records TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	fetched_at TEXT NOT NULL
)`

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
