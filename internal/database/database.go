// Package database manages the local state database used by echarvest for the
// location cache, the resume log and run locks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "modernc.org/sqlite"             // pure Go SQLite driver

	"github.com/dbsmedya/echarvest/internal/config"
)

// Supported state database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Manager owns the state database connection.
type Manager struct {
	State  *sql.DB
	config *config.StateConfig
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.StateConfig) *Manager {
	return &Manager{
		config: cfg,
	}
}

// Driver returns the configured driver name, defaulting to sqlite.
func (m *Manager) Driver() string {
	if m.config == nil || m.config.Driver == "" {
		return DriverSQLite
	}
	return m.config.Driver
}

// Connect opens the state database and applies the schema.
func (m *Manager) Connect(ctx context.Context) error {
	if m.config == nil {
		return fmt.Errorf("state database is not configured")
	}

	db, err := m.connectWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to state database: %w", err)
	}

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return err
	}

	m.State = db
	return nil
}

// connectWithRetry attempts to connect with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context) (*sql.DB, error) {
	var db *sql.DB
	var err error

	maxRetries := 3
	backoff := time.Second

	for i := 0; i < maxRetries; i++ {
		db, err = m.connect()
		if err == nil {
			// Verify connection
			if pingErr := db.PingContext(ctx); pingErr == nil {
				return db, nil
			} else {
				db.Close()
				err = pingErr
			}
		}

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}

// connect creates a database handle for the configured driver.
func (m *Manager) connect() (*sql.DB, error) {
	cfg := m.config

	var (
		db  *sql.DB
		err error
	)
	switch m.Driver() {
	case DriverMySQL:
		db, err = sql.Open(DriverMySQL, BuildDSN(cfg))
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, BuildSQLiteDSN(cfg.Path))
	default:
		return nil, fmt.Errorf("unsupported state driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	if m.Driver() == DriverSQLite {
		// One writer at a time; busy_timeout covers the rest.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// BuildDSN constructs a MySQL DSN from configuration.
func BuildDSN(cfg *config.StateConfig) string {
	// Format: user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
	)

	if cfg.Database != "" {
		dsn += cfg.Database
	}

	// utf8mb4 keeps Kannada names intact
	params := "?parseTime=true&charset=utf8mb4"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	case "preferred", "":
		params += "&tls=preferred"
	}

	return dsn + params
}

// BuildSQLiteDSN constructs a modernc.org/sqlite DSN for a database file.
func BuildSQLiteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the state database connection.
func (m *Manager) Close() error {
	if m.State == nil {
		return nil
	}
	if err := m.State.Close(); err != nil {
		return fmt.Errorf("state close: %w", err)
	}
	m.State = nil
	return nil
}

// Ping verifies the connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.State == nil {
		return fmt.Errorf("state database is not connected")
	}
	if err := m.State.PingContext(ctx); err != nil {
		return fmt.Errorf("state ping failed: %w", err)
	}
	return nil
}
