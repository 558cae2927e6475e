package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pingcast/internal/eventbus"
	logx "pingcast/pkg/logx"
)

func newStarted(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	s := newStarted(t, Config{Workers: 2, QueueSize: 8})
	done := make(chan string, 1)
	err := s.Enqueue(Task{Name: "hello", Run: func(ctx context.Context) error {
		done <- "ran"
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestEnqueueValidates(t *testing.T) {
	s := newStarted(t, Config{})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for blank Name")
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	off := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue() = %v, want ErrDisabled", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Enqueue() = %v, want ErrStopped", err)
	}
}

func TestEnqueueQueueFullDrops(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	release := make(chan struct{})
	started := make(chan struct{})
	defer func() {
		close(release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "block", Run: block}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "fill", Run: block}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue() = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Drops.QueueFull; got != 1 {
		t.Fatalf("Drops.QueueFull = %d, want 1", got)
	}
	select {
	case e := <-ch:
		if e.Type != eventbus.TypeTaskDropped {
			t.Fatalf("event type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no dropped event published")
	}
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	s := newStarted(t, Config{})
	ran := make(chan time.Time, 1)
	begin := time.Now()
	err := s.Schedule(50*time.Millisecond, Task{Name: "later", Run: func(context.Context) error {
		ran <- time.Now()
		return nil
	}})
	if err != nil {
		t.Fatalf("Schedule() = %v", err)
	}
	if got := s.Snapshot().Delayed; got != 1 {
		t.Fatalf("Delayed = %d, want 1", got)
	}
	select {
	case at := <-ran:
		if at.Sub(begin) < 50*time.Millisecond {
			t.Fatalf("task ran after %v, want >= 50ms", at.Sub(begin))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestStopDropsPendingDelayed(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	var ran atomic.Bool
	if err := s.Schedule(time.Hour, Task{Name: "never", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	snap := s.Snapshot()
	if snap.Drops.Delayed != 1 || snap.Delayed != 0 {
		t.Fatalf("snapshot = %+v, want one dropped delayed task", snap)
	}
	if ran.Load() {
		t.Fatal("delayed task ran after Stop")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 16}, logx.Nop(), nil)
	s.Start(context.Background())

	gate := make(chan struct{})
	var count atomic.Int32
	_ = s.Enqueue(Task{Name: "gate", Run: func(context.Context) error {
		<-gate
		count.Add(1)
		return nil
	}})
	for i := 0; i < 5; i++ {
		_ = s.Enqueue(Task{Name: "queued", Run: func(context.Context) error {
			count.Add(1)
			return nil
		}})
	}

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		close(stopped)
	}()

	// Give Stop a moment to flip into stopping.
	time.Sleep(20 * time.Millisecond)
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopping) && !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue during stop = %v, want ErrStopping", err)
	}
	close(gate)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := count.Load(); got != 6 {
		t.Fatalf("ran %d tasks, want 6", got)
	}
}

func TestStopForcesOnTimeout(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	canceled := make(chan struct{})
	running := make(chan struct{})
	_ = s.Enqueue(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}})
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("stuck task was not canceled by forced stop")
	}
}

func TestTaskPanicIsRecorded(t *testing.T) {
	s := newStarted(t, Config{Workers: 1})
	_ = s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	ok := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		close(ok)
		return nil
	}})
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	h := s.Snapshot().History
	if len(h) == 0 || h[0].Name != "boom" || h[0].Error == "" {
		t.Fatalf("history = %+v, want first item to record the panic", h)
	}
}

func TestForcedStopCountsQueuedAsCanceled(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	running := make(chan struct{})
	_ = s.Enqueue(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-running
	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "behind", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Drops.Canceled != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("drops = %+v, want one canceled", s.Snapshot().Drops)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ran.Load() {
		t.Fatal("queued task ran after forced stop")
	}
	h := s.Snapshot().History
	if last := h[len(h)-1]; last.Name != "behind" || last.Error != "canceled" {
		t.Fatalf("last history item = %+v", last)
	}
}

func TestStopDrainsAfterParentContextEnds(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start(context.WithoutCancel(parent))

	var done atomic.Int32
	for i := 0; i < 4; i++ {
		if err := s.Submit(context.Background(), Task{Name: "work", Run: func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Submit() = %v", err)
		}
	}
	cancelParent()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := done.Load(); got != 4 {
		t.Fatalf("completed %d tasks, want 4", got)
	}
}
