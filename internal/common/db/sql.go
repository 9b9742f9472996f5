package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds the connection pool configuration.
type Config struct {
	// Driver is "postgres" or "mysql".
	Driver string `yaml:"driver"`

	// DSN is the data source name
	// postgres: "user=postgres password=password host=localhost port=5432 dbname=dbname sslmode=disable"
	// mysql:    "user:password@tcp(host:port)/dbname?parseTime=true&loc=Local"
	DSN string `yaml:"dsn"`

	// Default: 25
	MaxOpenConnections int `yaml:"maxOpenConnections"`
	// Default: 5
	MaxIdleConnections int `yaml:"maxIdleConnections"`
	// Default: 5 minutes
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	// Default: 10 minutes
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	// PingTimeout bounds the connectivity check in Open. Default: 5 seconds
	PingTimeout time.Duration `yaml:"pingTimeout"`
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = 25
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
}

// SQL implements Database over database/sql with connection pooling.
type SQL struct {
	db *sql.DB
}

// Open creates the pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*SQL, error) {
	cfg.setDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQL{db: db}, nil
}

// QueryRow executes a query that returns at most one row
func (s *SQL) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Conn pins one connection from the pool. Session-scoped state such as
// advisory locks lives on it until it is closed.
func (s *SQL) Conn(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection failed: %w", err)
	}
	return conn, nil
}

// Ping verifies a connection to the database is still alive
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *SQL) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}
