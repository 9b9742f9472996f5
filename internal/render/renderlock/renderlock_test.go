package renderlock

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"workbench/internal/render/lockstore"
	appErr "workbench/pkg/errors"
	"workbench/pkg/utils/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const waitLimit = 2 * time.Second

func assertUnlocked(t *testing.T, l *Locker, store *lockstore.MemoryStore, id int32) {
	t.Helper()
	if n := store.Holds(stallKey(id)); n != 0 {
		t.Fatalf("stall lock still held %d times", n)
	}
	if n := store.Holds(renderKey(id)); n != 0 {
		t.Fatalf("render lock still held %d times", n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.stalls[id]; ok {
		t.Fatal("local stall slot still taken")
	}
	if _, ok := l.renders[id]; ok {
		t.Fatal("local render slot still taken")
	}
}

// holdInBody starts a RenderLock whose body optionally stalls, signals
// entered, then blocks until release is closed.
func holdInBody(t *testing.T, l *Locker, id int64, stall bool) (entered, release chan struct{}, done chan error) {
	t.Helper()
	entered = make(chan struct{})
	release = make(chan struct{})
	done = make(chan error, 1)
	go func() {
		outcome, err := l.RenderLock(context.Background(), id, func(ctx context.Context, lock *Lock) error {
			if stall {
				if err := lock.StallOthers(ctx); err != nil {
					return err
				}
			}
			close(entered)
			<-release
			return nil
		})
		if err == nil && outcome != Acquired {
			err = errors.New("holder outcome " + outcome.String())
		}
		done <- err
	}()
	select {
	case <-entered:
	case err := <-done:
		t.Fatalf("holder finished early: %v", err)
	case <-time.After(waitLimit):
		t.Fatal("holder never entered its body")
	}
	return entered, release, done
}

func finish(t *testing.T, release chan struct{}, done chan error) {
	t.Helper()
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("holder: %v", err)
		}
	case <-time.After(waitLimit):
		t.Fatal("holder did not finish")
	}
}

func TestSequentialRendersBothAcquire(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)

	for i := 0; i < 2; i++ {
		ran := false
		outcome, err := l.RenderLock(context.Background(), 42, func(ctx context.Context, lock *Lock) error {
			ran = true
			if got := l.Held(); !slices.Equal(got, []int64{42}) {
				t.Errorf("Held() = %v", got)
			}
			return lock.StallOthers(ctx)
		})
		if err != nil || outcome != Acquired || !ran {
			t.Fatalf("round %d: outcome=%v err=%v ran=%v", i, outcome, err, ran)
		}
		assertUnlocked(t, l, store, 42)
	}
}

func TestConcurrentRenderIsAlreadyLocked(t *testing.T) {
	tests := []struct {
		name  string
		other func(*Locker, *lockstore.MemoryStore) *Locker
	}{
		{"same process", func(l *Locker, _ *lockstore.MemoryStore) *Locker { return l }},
		{"other process", func(_ *Locker, s *lockstore.MemoryStore) *Locker { return New(s.Peer()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := lockstore.NewMemoryStore()
			l := New(store)
			_, release, done := holdInBody(t, l, 42, false)

			other := tt.other(l, store)
			outcome, err := other.RenderLock(context.Background(), 42, func(context.Context, *Lock) error {
				t.Error("body ran while another render held the lock")
				return nil
			})
			if err != nil || outcome != AlreadyLocked {
				t.Fatalf("outcome=%v err=%v, want already_locked", outcome, err)
			}

			finish(t, release, done)
			assertUnlocked(t, l, store, 42)
		})
	}
}

func TestDifferentWorkflowsDoNotContend(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)
	_, release, done := holdInBody(t, l, 1, false)

	outcome, err := New(store.Peer()).RenderLock(context.Background(), 2, func(context.Context, *Lock) error { return nil })
	if err != nil || outcome != Acquired {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	finish(t, release, done)
}

func TestRequeueingStallsCompetingRender(t *testing.T) {
	tests := []struct {
		name  string
		other func(*Locker, *lockstore.MemoryStore) (*Locker, *lockstore.MemoryStore)
	}{
		{"same process", func(l *Locker, s *lockstore.MemoryStore) (*Locker, *lockstore.MemoryStore) { return l, s }},
		{"other process", func(_ *Locker, s *lockstore.MemoryStore) (*Locker, *lockstore.MemoryStore) {
			peer := s.Peer()
			return New(peer), peer
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := lockstore.NewMemoryStore()
			l := New(store)
			_, release, done := holdInBody(t, l, 42, true)

			other, otherStore := tt.other(l, store)
			result := make(chan Outcome, 1)
			go func() {
				outcome, err := other.RenderLock(context.Background(), 42, func(ctx context.Context, lock *Lock) error {
					return lock.StallOthers(ctx)
				})
				if err != nil {
					t.Errorf("competing render: %v", err)
				}
				result <- outcome
			}()

			select {
			case outcome := <-result:
				t.Fatalf("competing render finished during requeue: %v", outcome)
			case <-time.After(50 * time.Millisecond):
			}

			finish(t, release, done)
			select {
			case outcome := <-result:
				if outcome != Acquired {
					t.Fatalf("competing outcome = %v, want acquired", outcome)
				}
			case <-time.After(waitLimit):
				t.Fatal("competing render never acquired")
			}
			assertUnlocked(t, l, store, 42)
			assertUnlocked(t, other, otherStore, 42)
		})
	}
}

func TestCancelWhileStalledUnwinds(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)
	_, release, done := holdInBody(t, l, 42, true)

	peer := store.Peer()
	other := New(peer)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	outcome, err := other.RenderLock(ctx, 42, func(context.Context, *Lock) error {
		t.Error("body ran while stalled")
		return nil
	})
	if outcome != NotAcquired || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("outcome=%v err=%v, want deadline exceeded", outcome, err)
	}
	assertUnlocked(t, other, peer, 42)

	finish(t, release, done)
	assertUnlocked(t, l, store, 42)
}

func TestScopeExitReleasesEverything(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name    string
		body    func(ctx context.Context, cancel context.CancelFunc, lock *Lock) error
		wantErr error
	}{
		{
			name: "success after stall",
			body: func(ctx context.Context, _ context.CancelFunc, lock *Lock) error { return lock.StallOthers(ctx) },
		},
		{
			name:    "body error",
			body:    func(context.Context, context.CancelFunc, *Lock) error { return errBoom },
			wantErr: errBoom,
		},
		{
			name: "body error after stall",
			body: func(ctx context.Context, _ context.CancelFunc, lock *Lock) error {
				if err := lock.StallOthers(ctx); err != nil {
					return err
				}
				return errBoom
			},
			wantErr: errBoom,
		},
		{
			name: "cancelled mid-body",
			body: func(ctx context.Context, cancel context.CancelFunc, _ *Lock) error {
				cancel()
				<-ctx.Done()
				return ctx.Err()
			},
			wantErr: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := lockstore.NewMemoryStore()
			l := New(store)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			outcome, err := l.RenderLock(ctx, 7, func(ctx context.Context, lock *Lock) error {
				return tt.body(ctx, cancel, lock)
			})
			if outcome != Acquired {
				t.Fatalf("outcome = %v", outcome)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			assertUnlocked(t, l, store, 7)

			outcome, err = New(store.Peer()).RenderLock(context.Background(), 7, func(context.Context, *Lock) error { return nil })
			if err != nil || outcome != Acquired {
				t.Fatalf("follow-up render: outcome=%v err=%v", outcome, err)
			}
		})
	}
}

func TestPanicReleasesAndRepanics(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)

	func() {
		defer func() {
			if r := recover(); r != "render exploded" {
				t.Fatalf("recovered %v", r)
			}
		}()
		_, _ = l.RenderLock(context.Background(), 9, func(context.Context, *Lock) error {
			panic("render exploded")
		})
	}()

	assertUnlocked(t, l, store, 9)
}

func TestMissingStallIsLoggedAndPerformed(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	restore := logger.Replace(logger.FromZap(zap.New(core)))
	defer restore()

	store := lockstore.NewMemoryStore()
	l := New(store)
	outcome, err := l.RenderLock(context.Background(), 5, func(context.Context, *Lock) error { return nil })
	if err != nil || outcome != Acquired {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	entries := logs.FilterMessage("render lock released without stall_others").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["workflow_id"] != int64(5) {
		t.Fatalf("workflow_id = %v", entries[0].ContextMap()["workflow_id"])
	}
	assertUnlocked(t, l, store, 5)
}

func TestStallOthersIsIdempotent(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)
	_, err := l.RenderLock(context.Background(), 3, func(ctx context.Context, lock *Lock) error {
		for i := 0; i < 3; i++ {
			if err := lock.StallOthers(ctx); err != nil {
				return err
			}
		}
		if n := store.Holds(stallKey(3)); n != 1 {
			t.Errorf("stall held %d times", n)
		}
		if n := store.Holds(renderKey(3)); n != 0 {
			t.Errorf("render held %d times after stall", n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	assertUnlocked(t, l, store, 3)
}

func TestWorkflowIDOutOfRange(t *testing.T) {
	l := New(lockstore.NewMemoryStore())
	for _, id := range []int64{1 << 31, -(1 << 31) - 1} {
		outcome, err := l.RenderLock(context.Background(), id, func(context.Context, *Lock) error {
			t.Error("body ran")
			return nil
		})
		if outcome != NotAcquired || !appErr.Is(err, appErr.LockKeyOutOfRange) {
			t.Fatalf("id %d: outcome=%v err=%v", id, outcome, err)
		}
	}
}

func TestStoreFailureIsFatal(t *testing.T) {
	store := lockstore.NewMemoryStore()
	store.Fail(errors.New("connection reset"))
	l := New(store)

	outcome, err := l.RenderLock(context.Background(), 11, func(context.Context, *Lock) error { return nil })
	if outcome != NotAcquired || !appErr.IsFatal(err) {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	store.Fail(nil)
	assertUnlocked(t, l, store, 11)
}

func TestKeepaliveReportsFailure(t *testing.T) {
	store := lockstore.NewMemoryStore()
	l := New(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan error, 1)
	go l.Keepalive(ctx, 5*time.Millisecond, func(err error) { failed <- err })

	store.Fail(errors.New("idle timeout"))
	select {
	case err := <-failed:
		if !appErr.IsFatal(err) {
			t.Fatalf("keepalive error %v is not fatal", err)
		}
	case <-time.After(waitLimit):
		t.Fatal("keepalive never reported the failure")
	}
}

func TestOutcomeString(t *testing.T) {
	if Acquired.String() != "acquired" || AlreadyLocked.String() != "already_locked" || NotAcquired.String() != "not_acquired" {
		t.Fatal("unexpected outcome names")
	}
}
