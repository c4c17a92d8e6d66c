// Package storage implements the remote store over SQL. SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq) share one schema; queries are
// written with ? placeholders and rebound for PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/dshills/flowstudio/pkg/api"
)

// Dialect selects the SQL driver
type Dialect string

const (
	// DialectSQLite uses modernc.org/sqlite
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses github.com/lib/pq
	DialectPostgres Dialect = "postgres"
)

// Store implements api.Backend on a SQL database
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	newID   func() string
}

var _ api.Backend = (*Store)(nil)

// Open connects to the database and applies pending migrations.
// For SQLite, dsn is a file path or ":memory:".
func Open(dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case DialectSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One connection keeps :memory: databases alive and serializes writers
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return s, nil
}

// OpenSQLite opens a SQLite store at path
func OpenSQLite(path string) (*Store, error) {
	return Open(DialectSQLite, path)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...interface{}) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...interface{}) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// inTx runs fn in a transaction, committing when fn returns nil
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
