package lockstore

import (
	"context"
	"sync"

	appErr "workbench/pkg/errors"
)

// memoryTable is the shared lock table shared by peer MemoryStores.
type memoryTable struct {
	mu      sync.Mutex
	owners  map[Key]*MemoryStore
	counts  map[Key]int
	changed chan struct{}
}

// MemoryStore is a process-local Store. Each store is one session; use
// Peer to get another session on the same table.
type MemoryStore struct {
	table *memoryTable

	failMu sync.Mutex
	fail   error
}

// NewMemoryStore creates a session on a fresh lock table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{table: &memoryTable{
		owners:  make(map[Key]*MemoryStore),
		counts:  make(map[Key]int),
		changed: make(chan struct{}),
	}}
}

// Peer returns a different session sharing s's lock table, standing in for
// another process.
func (s *MemoryStore) Peer() *MemoryStore {
	return &MemoryStore{table: s.table}
}

// Fail makes every later call return err, as if the backend went away.
// A nil err heals the store.
func (s *MemoryStore) Fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.fail = err
}

func (s *MemoryStore) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.fail != nil {
		return appErr.LockStoreFailure(s.fail, op)
	}
	return nil
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key Key) (bool, error) {
	if err := s.failure("try_acquire"); err != nil {
		return false, err
	}
	ok, _ := s.tryAcquire(key)
	return ok, nil
}

// tryAcquire returns the channel to wait on when key is taken.
func (s *MemoryStore) tryAcquire(key Key) (bool, <-chan struct{}) {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if owner, ok := t.owners[key]; ok && owner != s {
		return false, t.changed
	}
	t.owners[key] = s
	t.counts[key]++
	return true, nil
}

func (s *MemoryStore) Acquire(ctx context.Context, key Key) error {
	for {
		if err := s.failure("acquire"); err != nil {
			return err
		}
		ok, changed := s.tryAcquire(key)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (s *MemoryStore) Release(ctx context.Context, key Key) error {
	if err := s.failure("release"); err != nil {
		return err
	}
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[key] != s {
		return appErr.Newf(appErr.LockNotHeld, "lock %s is not held", key)
	}
	t.counts[key]--
	if t.counts[key] > 0 {
		return nil
	}
	delete(t.counts, key)
	delete(t.owners, key)
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.failure("ping")
}

// Holds reports how many times this session holds key.
func (s *MemoryStore) Holds(key Key) int {
	t := s.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owners[key] != s {
		return 0
	}
	return t.counts[key]
}
