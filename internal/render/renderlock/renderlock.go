// Package renderlock guards workflow renders with a two-lock protocol on a
// shared advisory lock store.
//
// Every workflow id has a stall lock and a render lock. Holding the render
// lock is the Rendering state; holding only the stall lock is Requeueing,
// during which other workers trying to start a render for the id wait
// instead of giving up. The store's locks stack within a session, so
// process-local slots sit on top of it and serialise this process's tasks.
package renderlock

import (
	"context"
	stderrors "errors"
	"math"
	"slices"
	"sync"
	"time"

	"workbench/internal/render/lockstore"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
)

// Lock namespaces in the store.
const (
	stallNamespace  int32 = 1
	renderNamespace int32 = 2
)

// Outcome of a RenderLock call.
type Outcome int

const (
	// NotAcquired: acquisition failed with an error before the body ran.
	NotAcquired Outcome = iota
	// Acquired: the body ran with the render lock held.
	Acquired
	// AlreadyLocked: another task or worker is rendering this workflow.
	AlreadyLocked
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case AlreadyLocked:
		return "already_locked"
	default:
		return "not_acquired"
	}
}

// Locker coordinates renders for one store session.
type Locker struct {
	store lockstore.Store

	mu      sync.Mutex
	stalls  map[int32]chan struct{}
	renders map[int32]chan struct{}
}

// New creates a Locker on store. A process should use a single Locker per
// store session.
func New(store lockstore.Store) *Locker {
	return &Locker{
		store:   store,
		stalls:  make(map[int32]chan struct{}),
		renders: make(map[int32]chan struct{}),
	}
}

// Lock is the render lock held by a RenderLock body.
type Lock struct {
	locker     *Locker
	workflowID int32

	mu          sync.Mutex
	holdsRender bool
	holdsStall  bool
	stalled     bool
}

// WorkflowID returns the locked workflow.
func (l *Lock) WorkflowID() int64 {
	return int64(l.workflowID)
}

func stallKey(id int32) lockstore.Key  { return lockstore.Key{Namespace: stallNamespace, ID: id} }
func renderKey(id int32) lockstore.Key { return lockstore.Key{Namespace: renderNamespace, ID: id} }

// RenderLock runs body while holding the render lock for workflowID.
//
// If another task or worker is rendering the workflow it returns
// AlreadyLocked without running body. Once body returns, panics or its
// context is cancelled, the lock moves through Requeueing to Unlocked; if
// body never called StallOthers that step is done here and logged. Errors
// from body and from releasing are both returned.
func (l *Locker) RenderLock(ctx context.Context, workflowID int64, body func(ctx context.Context, lock *Lock) error) (outcome Outcome, err error) {
	if workflowID < math.MinInt32 || workflowID > math.MaxInt32 {
		return NotAcquired, appErr.Newf(appErr.LockKeyOutOfRange, "workflow id %d does not fit a lock key", workflowID)
	}
	id := int32(workflowID)

	outcome, err = l.begin(ctx, id)
	if outcome != Acquired {
		return outcome, err
	}

	lock := &Lock{locker: l, workflowID: id, holdsRender: true}
	defer func() {
		if cerr := lock.finish(context.WithoutCancel(ctx)); cerr != nil {
			err = stderrors.Join(err, cerr)
		}
	}()
	return Acquired, body(ctx, lock)
}

// begin moves id from Unlocked to Rendering.
func (l *Locker) begin(ctx context.Context, id int32) (Outcome, error) {
	cleanup := context.WithoutCancel(ctx)

	if err := l.acquireLocal(ctx, l.stalls, id); err != nil {
		return NotAcquired, err
	}
	if err := l.store.Acquire(ctx, stallKey(id)); err != nil {
		l.releaseLocal(l.stalls, id)
		return NotAcquired, err
	}
	unwindStall := func() error {
		err := l.store.Release(cleanup, stallKey(id))
		l.releaseLocal(l.stalls, id)
		return err
	}

	if !l.tryLocal(l.renders, id) {
		return AlreadyLocked, unwindStall()
	}
	ok, err := l.store.TryAcquire(ctx, renderKey(id))
	if err != nil || !ok {
		l.releaseLocal(l.renders, id)
		if uerr := unwindStall(); uerr != nil {
			return NotAcquired, stderrors.Join(err, uerr)
		}
		if err != nil {
			return NotAcquired, err
		}
		return AlreadyLocked, nil
	}

	// Let stalled workers through to see AlreadyLocked.
	if err := unwindStall(); err != nil {
		rerr := l.store.Release(cleanup, renderKey(id))
		l.releaseLocal(l.renders, id)
		return NotAcquired, stderrors.Join(err, rerr)
	}
	return Acquired, nil
}

// StallOthers moves the lock from Rendering to Requeueing: other workers
// starting a render for this workflow wait until the scope ends. Calling it
// again is a no-op.
func (lock *Lock) StallOthers(ctx context.Context) error {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.stallOthers(ctx)
}

func (lock *Lock) stallOthers(ctx context.Context) error {
	if lock.stalled {
		return nil
	}
	l, id := lock.locker, lock.workflowID

	if !lock.holdsStall {
		if err := l.acquireLocal(ctx, l.stalls, id); err != nil {
			return err
		}
		if err := l.store.Acquire(ctx, stallKey(id)); err != nil {
			l.releaseLocal(l.stalls, id)
			return err
		}
		lock.holdsStall = true
	}
	if lock.holdsRender {
		if err := l.store.Release(ctx, renderKey(id)); err != nil {
			return err
		}
		l.releaseLocal(l.renders, id)
		lock.holdsRender = false
	}
	lock.stalled = true
	return nil
}

// finish completes Requeueing -> Unlocked, stalling first if the body did
// not. Whatever is still held is released even if a step fails.
func (lock *Lock) finish(ctx context.Context) error {
	lock.mu.Lock()
	defer lock.mu.Unlock()
	l, id := lock.locker, lock.workflowID

	var errs []error
	if !lock.stalled {
		logger.Error(logger.WithWorkflow(ctx, int64(id)), "render lock released without stall_others")
		if err := lock.stallOthers(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if lock.holdsRender {
		if err := l.store.Release(ctx, renderKey(id)); err != nil {
			errs = append(errs, err)
		}
		l.releaseLocal(l.renders, id)
		lock.holdsRender = false
	}
	if lock.holdsStall {
		if err := l.store.Release(ctx, stallKey(id)); err != nil {
			errs = append(errs, err)
		}
		l.releaseLocal(l.stalls, id)
		lock.holdsStall = false
	}
	return stderrors.Join(errs...)
}

// acquireLocal waits for id's slot in set. Several waiters may wake at
// once; each re-checks and only one wins.
func (l *Locker) acquireLocal(ctx context.Context, set map[int32]chan struct{}, id int32) error {
	for {
		l.mu.Lock()
		held, busy := set[id]
		if !busy {
			set[id] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-held:
		}
	}
}

func (l *Locker) tryLocal(set map[int32]chan struct{}, id int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := set[id]; busy {
		return false
	}
	set[id] = make(chan struct{})
	return true
}

func (l *Locker) releaseLocal(set map[int32]chan struct{}, id int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := set[id]; ok {
		delete(set, id)
		close(held)
	}
}

// Held lists the workflows this process is rendering.
func (l *Locker) Held() []int64 {
	l.mu.Lock()
	ids := make([]int64, 0, len(l.renders))
	for id := range l.renders {
		ids = append(ids, int64(id))
	}
	l.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Keepalive pings the store every interval until ctx is done. The first
// failed ping is passed to onFailure and ends the loop: a session that
// dropped may have lost its locks without anyone noticing.
func (l *Locker) Keepalive(ctx context.Context, interval time.Duration, onFailure func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := l.store.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error(ctx, "lock store keepalive failed", zap.Error(err))
			onFailure(err)
			return
		}
	}
}
