package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Database drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC layout used for every persisted
// timestamp. Lexicographic order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect Dialect

	// DSN is the database path for SQLite or the connection URL for
	// PostgreSQL.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DBConfigFromURL infers the dialect from a connection URL: postgres
// URLs use the pgx driver, anything else is treated as a sqlite path.
func DBConfigFromURL(url string) DBConfig {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DBConfig{Dialect: DialectPostgres, DSN: url}
	}
	return DBConfig{Dialect: DialectSQLite, DSN: url}
}

// DB wraps a sql.DB with its dialect.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open opens the database connection and verifies it.
func Open(ctx context.Context, cfg DBConfig) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	var driver, dsn string
	switch cfg.Dialect {
	case DialectSQLite, "":
		driver = "sqlite"
		dsn = fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.DSN)
		cfg.Dialect = DialectSQLite
	case DialectPostgres:
		driver = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", cfg.Dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{sql: db, dialect: cfg.Dialect}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}

// Dialect returns the active dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// SQL exposes the underlying connection pool.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Rebind converts "?" placeholders to the dialect's form. Queries in
// this package are written with "?" and rebound at execution time.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate runs the embedded schema migrations for the active dialect.
func (d *DB) Migrate(_ context.Context) error {
	if d.sql == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(d.dialect))
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch d.dialect {
	case DialectPostgres:
		driver, derr := pgxmigrate.WithInstance(d.sql, &pgxmigrate.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "pgx", driver)
	default:
		driver, derr := sqlitemigrate.WithInstance(d.sql, &sqlitemigrate.Config{})
		if derr != nil {
			return fmt.Errorf("failed to create database driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (d *DB) HealthCheck(ctx context.Context) error {
	if d.sql == nil {
		return fmt.Errorf("database not initialized")
	}
	return d.sql.PingContext(ctx)
}
