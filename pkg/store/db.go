// Package store is the persistence layer: a thin dialect-aware wrapper over
// database/sql plus one typed store per entity. Every read and write takes
// the authenticated caller and composes a scope fragment into its WHERE
// clause; rows outside scope are indistinguishable from absent rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/mantle/pkg/config"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const queryTimeout = 60 * time.Second

// DB wraps the connection with its dialect. Queries are written with `?`
// placeholders and rebound for postgres.
type DB struct {
	*sql.DB
	dialect string
}

// Open connects, pings and bootstraps the schema.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	driver := cfg.Type
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	sqlDB, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{DB: sqlDB, dialect: cfg.Type}
	if err := db.InitSchema(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// NewWithDB wraps an existing connection; used by tests and the worker's
// per-job handles.
func NewWithDB(sqlDB *sql.DB, dialect string) (*DB, error) {
	switch dialect {
	case "postgres", "mysql", "sqlite":
	case "sqlite3":
		dialect = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}
	return &DB{DB: sqlDB, dialect: dialect}, nil
}

func (db *DB) Dialect() string { return db.dialect }

// Rebind converts `?` placeholders to `$n` for postgres.
func (db *DB) Rebind(query string) string {
	if db.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Exec rebinds and executes with the standard query timeout.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return db.ExecContext(ctx, db.Rebind(query), args...)
}

// Query rebinds and queries with the standard query timeout.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return db.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow rebinds and queries a single row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.Rebind(query), args...)
}

// nullable maps empty strings to NULL on write.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
