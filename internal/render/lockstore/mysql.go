package lockstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	appErr "workbench/pkg/errors"
)

// MySQLStore maps keys onto named user locks of one dedicated connection.
// GET_LOCK is re-entrant per session, matching the stacking contract.
type MySQLStore struct {
	mu     sync.Mutex
	conn   *sql.Conn
	prefix string
}

// NewMySQLStore takes ownership of conn.
func NewMySQLStore(conn *sql.Conn) *MySQLStore {
	return &MySQLStore{conn: conn, prefix: "workbench"}
}

func (s *MySQLStore) name(key Key) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, key.Namespace, key.ID)
}

func (s *MySQLStore) TryAcquire(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", s.name(key)).Scan(&res); err != nil {
		return false, appErr.LockStoreFailure(err, "try_acquire")
	}
	if !res.Valid {
		return false, appErr.LockStoreFailure(fmt.Errorf("GET_LOCK returned NULL"), "try_acquire")
	}
	return res.Int64 == 1, nil
}

func (s *MySQLStore) Acquire(ctx context.Context, key Key) error {
	return pollAcquire(ctx, func(ctx context.Context) (bool, error) {
		return s.TryAcquire(ctx, key)
	})
}

func (s *MySQLStore) Release(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", s.name(key)).Scan(&res); err != nil {
		return appErr.LockStoreFailure(err, "release")
	}
	if !res.Valid || res.Int64 != 1 {
		return appErr.Newf(appErr.LockNotHeld, "named lock %s is not held", s.name(key))
	}
	return nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.PingContext(ctx); err != nil {
		return appErr.LockStoreFailure(err, "ping")
	}
	return nil
}

// Close ends the session, which releases every lock it holds.
func (s *MySQLStore) Close() error {
	return s.conn.Close()
}
