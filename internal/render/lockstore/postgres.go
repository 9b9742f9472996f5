package lockstore

import (
	"context"
	"database/sql"
	"sync"

	appErr "workbench/pkg/errors"
)

// PostgresStore holds advisory locks on one dedicated connection; they live
// exactly as long as that session.
type PostgresStore struct {
	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgresStore takes ownership of conn.
func NewPostgresStore(conn *sql.Conn) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func (s *PostgresStore) TryAcquire(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	if err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1, $2)", key.Namespace, key.ID).Scan(&ok); err != nil {
		return false, appErr.LockStoreFailure(err, "try_acquire")
	}
	return ok, nil
}

// Acquire polls instead of calling pg_advisory_lock: a blocked query would
// park the only connection and with it every release this session owes.
func (s *PostgresStore) Acquire(ctx context.Context, key Key) error {
	return pollAcquire(ctx, func(ctx context.Context) (bool, error) {
		return s.TryAcquire(ctx, key)
	})
}

func (s *PostgresStore) Release(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ok bool
	if err := s.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1, $2)", key.Namespace, key.ID).Scan(&ok); err != nil {
		return appErr.LockStoreFailure(err, "release")
	}
	if !ok {
		return appErr.Newf(appErr.LockNotHeld, "advisory lock %s is not held", key)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var one int
	if err := s.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return appErr.LockStoreFailure(err, "ping")
	}
	return nil
}

// Close ends the session, which releases every lock it holds.
func (s *PostgresStore) Close() error {
	return s.conn.Close()
}
