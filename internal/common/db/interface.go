package db

import (
	"context"
	"database/sql"
)

// Database is the subset of a connection pool the services use.
type Database interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Conn(ctx context.Context) (*sql.Conn, error)
	Ping(ctx context.Context) error
	Close() error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...interface{}) error
}
