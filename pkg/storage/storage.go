// Package storage implements C8: the SQL-backed persistence contract for
// Call, ScheduledJob, RetryAttempt, and TranscriptTurn, against either
// modernc.org/sqlite (dev) or lib/pq (production) — the same schema and
// query set run against both, selected by the DSN scheme, the way the
// teacher's config picked a provider by a single string field.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect is which SQL driver/placeholder style a DB was opened with.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config configures the database connection.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DB wraps a *sql.DB with the dialect needed to rebind placeholders and
// the transcript batching state (§4.8).
type DB struct {
	sql     *sql.DB
	dialect Dialect

	transcripts *transcriptBuffer
}

// Open connects to the database named by cfg.DSN. A "postgres://" or
// "postgresql://" scheme selects lib/pq; anything else is treated as a
// sqlite file path (or ":memory:"), matching the teacher's convention of
// picking a backend off a single config string.
func Open(cfg Config) (*DB, error) {
	dialect := DialectSQLite
	driver := "sqlite"
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		dialect = DialectPostgres
		driver = "postgres"
	}

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	db := &DB{sql: sqlDB, dialect: dialect}
	db.transcripts = newTranscriptBuffer(db, DefaultBatchSize, DefaultBatchInterval)
	return db, nil
}

// Close closes the underlying connection pool, flushing any buffered
// transcript turns first.
func (db *DB) Close() error {
	db.transcripts.flushAll(context.Background())
	return db.sql.Close()
}

// Migrate applies the schema, idempotently (CREATE TABLE/INDEX IF NOT
// EXISTS), so Migrate can run on every process start.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(db.dialect) {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}

// rebind rewrites a query written with "?" placeholders into the
// dialect's native style: unchanged for sqlite, "$1"/"$2"/... for
// postgres, matching how sqlx.Rebind works in the sibling repos that use
// a single query set across backends.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.rebind(query), args...)
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func strToTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTimeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(*t), Valid: true}
}

func strToNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := strToTime(ns.String)
	return &t
}
