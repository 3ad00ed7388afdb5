package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the SQLite handle shared by the store layer.
type Client struct {
	db   *sql.DB
	path string
}

// NewClient opens (creating if absent) the database file at path, applies
// connection pragmas, and brings the schema up to date with the embedded
// migrations.
func NewClient(ctx context.Context, path string) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One shared connection: modernc serializes writers on the file lock, and
	// a single connection keeps every transaction on the same WAL snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, path: path}, nil
}

// DSN appends the pragma set to a database file path. The modernc driver
// takes each pragma as a _pragma query parameter.
func DSN(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// DB returns the underlying handle for the store layer.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Path returns the database file path the client was opened with.
func (c *Client) Path() string {
	return c.path
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// runMigrations applies all unapplied embedded migrations in order.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which wraps the *sql.DB the store keeps using.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}
