// Package database opens the relational store shared by every schoolguard
// package and smooths over the few SQL differences between PostgreSQL (the
// production target) and SQLite (local development and tests).
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names the SQL flavour behind a *DB
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Config holds connection pool settings
type Config struct {
	Driver      string
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DB is a *sql.DB tagged with its dialect
type DB struct {
	*sql.DB
	Dialect Dialect
}

// New wraps an existing connection pool
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// Open connects and pings the configured database
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := Dialect(cfg.Driver)
	switch dialect {
	case Postgres, SQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// one writer; also keeps in-memory databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MinConns)
		db.SetConnMaxLifetime(cfg.MaxLifetime)
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, dialect), nil
}

// ForUpdate returns the row-locking suffix for SELECTs inside a transaction.
// SQLite serialises writers at the database level and has no row locks.
func (d *DB) ForUpdate() string {
	if d.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// InInt64 renders "column IN (...)" for the given values starting at
// placeholder $start. It returns the fragment, its args and the next
// placeholder index. An empty set renders a predicate that matches nothing.
func (d *DB) InInt64(column string, start int, values []int64) (string, []interface{}, int) {
	if len(values) == 0 {
		return "1 = 0", nil, start
	}
	if d.Dialect == Postgres {
		return fmt.Sprintf("%s = ANY($%d)", column, start), []interface{}{pq.Array(values)}, start + 1
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " IN (" + placeholders(start, len(values)) + ")", args, start + len(values)
}

// InString is InInt64 for string values
func (d *DB) InString(column string, start int, values []string) (string, []interface{}, int) {
	if len(values) == 0 {
		return "1 = 0", nil, start
	}
	if d.Dialect == Postgres {
		return fmt.Sprintf("%s = ANY($%d)", column, start), []interface{}{pq.Array(values)}, start + 1
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " IN (" + placeholders(start, len(values)) + ")", args, start + len(values)
}

func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// WithTx runs fn inside a transaction, rolling back on error or panic
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint failure
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Now returns the current time in UTC; all stored timestamps are UTC so that
// SQLite's text timestamps compare correctly.
func Now() time.Time {
	return time.Now().UTC()
}

// NullTime converts an optional time for insertion
func NullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// NullInt64 converts an optional id for insertion
func NullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// TimePtr returns nil for an invalid sql.NullTime
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Int64Ptr returns nil for an invalid sql.NullInt64
func Int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
