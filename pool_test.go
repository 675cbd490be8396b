package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/image-classification-service/classification"
)

type stubSession struct {
	scores    []float32
	fail      bool
	destroyed int32
}

func (s *stubSession) Infer(*classification.Tensor) ([]float32, error) {
	if s.fail {
		return nil, errors.New("session broken")
	}
	return append([]float32(nil), s.scores...), nil
}

func (s *stubSession) Destroy() {
	atomic.AddInt32(&s.destroyed, 1)
}

// stubRecorder remembers every session its factory hands out. The pool may
// call the factory from its own goroutines.
type stubRecorder struct {
	mu       sync.Mutex
	sessions []*stubSession
	scores   []float32
	fail     bool
}

func (r *stubRecorder) factory() (classification.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &stubSession{scores: r.scores, fail: r.fail}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *stubRecorder) created() []*stubSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stubSession(nil), r.sessions...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	if n := len(rec.created()); n != 2 {
		t.Fatalf("created %d sessions, want 2", n)
	}

	a, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	m := pool.GetMetrics()
	if m.InUse != 2 || m.TotalAcquired != 2 || m.Size != 2 {
		t.Errorf("metrics = %+v", m)
	}

	pool.Release(a)
	pool.Release(b)

	m = pool.GetMetrics()
	if m.InUse != 0 || m.TotalReleased != 2 {
		t.Errorf("metrics after release = %+v", m)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()
	pool.acquireTimeout = 20 * time.Millisecond

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(s)

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if pool.GetMetrics().AcquireFailures != 1 {
		t.Errorf("acquire failures = %d", pool.GetMetrics().AcquireFailures)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPoolDestroy(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 2)
	if err != nil {
		t.Fatal(err)
	}

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	pool.Destroy()
	pool.Destroy()

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}

	pool.Release(held)
	for i, s := range rec.created() {
		if atomic.LoadInt32(&s.destroyed) != 1 {
			t.Errorf("session %d destroyed %d times", i, s.destroyed)
		}
	}
}

func TestPoolDiscardAndReplenish(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Discard(s)

	if atomic.LoadInt32(&s.(*stubSession).destroyed) != 1 {
		t.Error("discarded session was not destroyed")
	}

	// The replacement is loaded without waiting for the health check tick.
	waitFor(t, "replacement session", func() bool { return len(pool.sessions) == 2 })
	if n := len(rec.created()); n != 3 {
		t.Fatalf("created %d sessions, want 3", n)
	}

	pool.replenishSessions()
	if n := len(rec.created()); n != 3 {
		t.Errorf("full pool created %d sessions, want 3", n)
	}
	if m := pool.GetMetrics(); m.InUse != 0 || m.TotalReleased != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestPoolConcurrentDiscards(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Destroy()

	var held []classification.Session
	for i := 0; i < 4; i++ {
		s, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, s)
	}

	var wg sync.WaitGroup
	for _, s := range held {
		wg.Add(1)
		go func(s classification.Session) {
			defer wg.Done()
			pool.Discard(s)
		}(s)
	}
	wg.Wait()

	waitFor(t, "pool refill", func() bool { return len(pool.sessions) == 4 })
	// Let any straggling refill goroutine finish before counting.
	pool.replenishSessions()
	if n := len(rec.created()); n != 8 {
		t.Errorf("created %d sessions, want 8", n)
	}
}

func TestPoolDiscardAfterDestroy(t *testing.T) {
	rec := &stubRecorder{}
	pool, err := NewModelSessionPool(rec.factory, 1)
	if err != nil {
		t.Fatal(err)
	}

	s, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Destroy()
	pool.Discard(s)

	time.Sleep(20 * time.Millisecond)
	if n := len(rec.created()); n != 1 {
		t.Errorf("closed pool created %d sessions, want 1", n)
	}
}

func TestPoolFactoryFailure(t *testing.T) {
	calls := 0
	factory := func() (classification.Session, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("model file corrupt")
		}
		return &stubSession{}, nil
	}

	if _, err := NewModelSessionPool(factory, 3); err == nil {
		t.Fatal("expected error")
	}
}
