package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fetchd/internal/eventbus"
	"fetchd/internal/queue"
	"fetchd/internal/storage"
	logx "fetchd/pkg/logx"
)

type fixedTarget int

func (f fixedTarget) Target() int { return int(f) }

type stubFetcher struct {
	path string
	err  error
}

func (s stubFetcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	return s.path, s.err
}

type blockingFetcher struct {
	started chan int64
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	b.started <- t.ID
	select {
	case <-b.release:
		return "/data/out", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func testQueue(t *testing.T, maxRetries int) *queue.Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "fetchd.db")})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, queue.Config{MaxRetries: maxRetries, BaseDelay: time.Minute}, logx.Nop())
}

func TestProcessSuccessCompletes(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	id, _, _ := store.Submit(ctx, "https://example.com/ok", queue.MethodAuto)
	task, err := store.Lease(ctx)
	if err != nil || task == nil {
		t.Fatalf("lease: task=%v err=%v", task, err)
	}

	p := New(Config{MaxWorkers: 1}, store, stubFetcher{path: "/data/ok.mp4"}, fixedTarget(1), nil, logx.Nop())
	p.process(ctx, p.log, task)

	got, _ := store.Get(ctx, id)
	if got.Status != queue.StatusCompleted || got.ResultPath != "/data/ok.mp4" {
		t.Fatalf("unexpected task after success: %+v", got)
	}
}

func TestProcessTransientFailureReschedules(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	id, _, _ := store.Submit(ctx, "https://example.com/flaky", queue.MethodAuto)
	task, _ := store.Lease(ctx)

	p := New(Config{MaxWorkers: 1}, store, stubFetcher{err: errors.New("boom")}, fixedTarget(1), nil, logx.Nop())
	p.process(ctx, p.log, task)

	got, _ := store.Get(ctx, id)
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.NextAttemptAt == nil {
		t.Fatalf("next_attempt_at not set after reschedule")
	}
}

func TestProcessRetryExhaustionFailsFinal(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 1) // single attempt allowed
	id, _, _ := store.Submit(ctx, "https://example.com/doomed", queue.MethodAuto)
	task, _ := store.Lease(ctx)

	p := New(Config{MaxWorkers: 1}, store, stubFetcher{err: errors.New("boom")}, fixedTarget(1), nil, logx.Nop())
	p.process(ctx, p.log, task)

	got, _ := store.Get(ctx, id)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "boom" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if _, _, err := store.Submit(ctx, u, queue.MethodAuto); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(Config{MaxWorkers: 2, IdleSleep: 10 * time.Millisecond, SlotPoll: 5 * time.Millisecond},
		store, stubFetcher{path: "/data/out"}, fixedTarget(2), bus, logx.Nop())
	p.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Stop(stopCtx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	completed := 0
	for completed < 3 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TaskCompleted {
				completed++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completions (got %d)", completed)
		}
	}

	if n, _ := store.CountByStatus(ctx, queue.StatusCompleted); n != 3 {
		t.Fatalf("expected 3 completed tasks, got %d", n)
	}
}

func TestAdmissionHonorsTarget(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	for _, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		if _, _, err := store.Submit(ctx, u, queue.MethodAuto); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	bf := &blockingFetcher{started: make(chan int64, 3), release: make(chan struct{})}
	p := New(Config{MaxWorkers: 3, IdleSleep: 10 * time.Millisecond, SlotPoll: 5 * time.Millisecond},
		store, bf, fixedTarget(1), nil, logx.Nop())
	p.Start(ctx)
	defer func() {
		close(bf.release)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	}()

	// One dispatch starts; with target=1 no second may begin while the
	// first is in flight.
	select {
	case <-bf.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no dispatch started")
	}
	select {
	case id := <-bf.started:
		t.Fatalf("second dispatch (task %d) started above target", id)
	case <-time.After(200 * time.Millisecond):
	}
	if got := p.Active(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
}

func TestPauseBlocksLeasing(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	if _, _, err := store.Submit(ctx, "https://example.com/paused", queue.MethodAuto); err != nil {
		t.Fatalf("submit: %v", err)
	}

	p := New(Config{MaxWorkers: 1, IdleSleep: 10 * time.Millisecond, SlotPoll: 5 * time.Millisecond},
		store, stubFetcher{path: "/data/out"}, fixedTarget(1), nil, logx.Nop())
	p.Pause()
	p.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	}()

	time.Sleep(100 * time.Millisecond)
	if n, _ := store.CountByStatus(ctx, queue.StatusPending); n != 1 {
		t.Fatalf("paused pool leased a task (pending=%d)", n)
	}

	p.Resume()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if n, _ := store.CountByStatus(ctx, queue.StatusCompleted); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task not processed after resume")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLowDiskBlocksLeasing(t *testing.T) {
	ctx := context.Background()
	store := testQueue(t, 3)
	if _, _, err := store.Submit(ctx, "https://example.com/lowdisk", queue.MethodAuto); err != nil {
		t.Fatalf("submit: %v", err)
	}

	p := New(Config{MaxWorkers: 1, IdleSleep: 10 * time.Millisecond, SlotPoll: 5 * time.Millisecond},
		store, stubFetcher{path: "/data/out"}, fixedTarget(1), nil, logx.Nop())
	p.lowDisk = func() bool { return true }
	p.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	}()

	time.Sleep(100 * time.Millisecond)
	if n, _ := store.CountByStatus(ctx, queue.StatusPending); n != 1 {
		t.Fatalf("low-disk pool leased a task (pending=%d)", n)
	}
}
