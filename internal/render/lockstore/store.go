// Package lockstore provides session-scoped advisory locks keyed by two
// integers, backed by PostgreSQL, MySQL, Redis or process memory.
//
// Locks belong to the store instance (the session), not to a goroutine:
// acquiring a key the same store already holds succeeds again and must be
// released as many times. Callers serialise their own tasks on top.
package lockstore

import (
	"context"
	"fmt"
	"time"
)

// Key is a two-integer advisory lock key.
type Key struct {
	Namespace int32
	ID        int32
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Namespace, k.ID)
}

// Store is a session on a shared advisory lock facility.
type Store interface {
	// TryAcquire takes key if nobody else holds it and reports whether it did.
	TryAcquire(ctx context.Context, key Key) (bool, error)
	// Acquire blocks until key is taken or ctx is done.
	Acquire(ctx context.Context, key Key) error
	// Release gives key back.
	Release(ctx context.Context, key Key) error
	// Ping keeps the session alive and checks it is still usable.
	Ping(ctx context.Context) error
}

// Backoff between TryAcquire attempts of a polling Acquire.
const (
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 500 * time.Millisecond
)

// pollAcquire retries try with capped exponential backoff until it succeeds,
// fails or ctx is done.
func pollAcquire(ctx context.Context, try func(context.Context) (bool, error)) error {
	interval := minPollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}
