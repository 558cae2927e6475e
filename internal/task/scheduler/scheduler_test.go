package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "@daily", want: "@daily"},
		{raw: "@every 12h", want: "@every 12h"},
		{raw: "cron:0 0 * * *", want: "0 0 * * *"},
		{raw: "10m", want: "@every 10m0s"},
		{raw: "interval:45s", want: "@every 45s"},
		{raw: "every:2h", want: "@every 2h0m0s"},
		{raw: "01:30", want: "@every 1h30m0s"},
		{raw: "24:00", want: "@every 24h0m0s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "1:5", "-5m", "interval:", "cron:"} {
		if _, err := Normalize(raw); err == nil {
			t.Fatalf("Normalize(%q): expected error", raw)
		}
	}
}

func TestAddScheduleIntervalSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	if err := s.AddSchedule("rotation", "24:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Schedules[0].Spec; got != "@every 24h0m0s" {
		t.Fatalf("spec = %q", got)
	}
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	got   chan struct{}
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestAddScheduleUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &recordingEnqueuer{got: make(chan struct{}, 1)}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("rotation", "@daily", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("rotation", "0 3 * * *", 0, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "0 3 * * *" {
		t.Fatalf("schedules = %+v, want a single replaced entry", snap.Schedules)
	}
	if !s.Remove("rotation") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("rotation") {
		t.Fatal("second Remove returned true")
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	if err := s.AddSchedule("bad", "99 * * * *", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for out-of-range cron field")
	}
}

func TestCronTriggerEnqueues(t *testing.T) {
	t.Parallel()
	rec := &recordingEnqueuer{got: make(chan struct{}, 1)}
	s := New(Config{Enabled: true}, rec, logx.Nop())
	// Six fields: fire every second.
	if err := s.AddSchedule("tick", "* * * * * *", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if !s.Snapshot().Running {
		t.Fatal("scheduler not running after Start")
	}
	select {
	case <-rec.got:
	case <-time.After(3 * time.Second):
		t.Fatal("cron trigger never enqueued a task")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.tasks[0].Name != "tick" || rec.tasks[0].Timeout != time.Second {
		t.Fatalf("task = %+v", rec.tasks[0])
	}
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, nil, logx.Nop())
	s.Start(context.Background())
	if s.Snapshot().Running {
		t.Fatal("disabled scheduler reported running")
	}
}

func TestApplyTimezoneRestartsCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &recordingEnqueuer{got: make(chan struct{}, 1)}, logx.Nop())
	if err := s.AddSchedule("rotation", "@daily", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedule not re-registered: %+v", snap.Schedules)
	}
}

type failingEnqueuer struct{ err error }

func (f failingEnqueuer) Enqueue(engine.Task) error { return f.err }

func TestTriggerWarningsAreThrottledPerSchedule(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(Config{Enabled: true}, failingEnqueuer{err: errors.New("queue full")}, logx.NewWriter(&buf, "warn"))
	job := func(context.Context) error { return nil }
	for _, name := range []string{"rotation", "digest"} {
		if err := s.AddSchedule(name, "@daily", 0, job); err != nil {
			t.Fatal(err)
		}
	}

	s.mu.Lock()
	rotation, digest := s.jobs["rotation"], s.jobs["digest"]
	s.mu.Unlock()
	s.trigger(rotation)
	s.trigger(rotation)
	s.trigger(digest)

	out := buf.String()
	if n := strings.Count(out, "trigger could not enqueue"); n != 2 {
		t.Fatalf("warn lines = %d, want one per schedule:\n%s", n, out)
	}
}

func TestTriggerStoppingEngineIsQuiet(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(Config{Enabled: true}, failingEnqueuer{err: engine.ErrStopping}, logx.NewWriter(&buf, "warn"))
	if err := s.AddSchedule("rotation", "@daily", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	j := s.jobs["rotation"]
	s.mu.Unlock()
	s.trigger(j)
	if buf.Len() != 0 {
		t.Fatalf("unexpected output at warn level: %s", buf.String())
	}
}
