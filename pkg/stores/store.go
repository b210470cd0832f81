package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Database drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds SQL store configuration.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path,omitempty"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// SQLStore persists orders, their state history and the audit trail in SQLite or PostgreSQL.
// It implements engine.Persistence.
type SQLStore struct {
	db     *sql.DB
	driver string
	cfg    Config
}

// NewSQLStore creates a store; call Init to open the connection.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		// A single long-lived connection serializes writers and keeps ":memory:" databases alive.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	return &SQLStore{driver: cfg.Driver, cfg: cfg}, nil
}

// Init opens the database connection.
func (s *SQLStore) Init(ctx context.Context) error {
	var (
		db  *sql.DB
		err error
	)
	switch s.driver {
	case DriverSQLite:
		dsn := s.cfg.Path
		if dsn != ":memory:" {
			dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", s.cfg.Path)
		}
		db, err = sql.Open("sqlite", dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", s.cfg.DSN)
	}
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if s.driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the configured driver name.
func (s *SQLStore) Driver() string { return s.driver }

// Migrate applies the embedded schema migrations for the configured driver.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.driver {
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.driver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for PostgreSQL and passes through for SQLite.
func (s *SQLStore) q(query string) string {
	if s.driver == DriverPostgres {
		return Rebind(query)
	}
	return query
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
