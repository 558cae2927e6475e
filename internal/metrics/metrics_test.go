package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pingcast/internal/eventbus"
	"pingcast/internal/ping"
	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

type fixedStats ping.Stats

func (f fixedStats) Stats() ping.Stats { return ping.Stats(f) }

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()
	c := New("", nil, logx.Nop())
	c.Observe(eventbus.Event{Type: eventbus.TypeLogin, Data: ping.LoginEvent{Identity: "alice"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRefresh, Data: ping.RefreshEvent{Identity: "alice", Accepted: false}})
	c.Observe(eventbus.Event{Type: eventbus.TypeRotation, Data: ping.RotationEvent{Forced: true}})
	c.Observe(eventbus.Event{Type: eventbus.TypePingFailed, Data: ping.PingEvent{Group: "all", Error: "x"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeMembershipFailed, Data: ping.MembershipEvent{Job: "reconcile:alice"}})
	c.Observe(eventbus.Event{Type: eventbus.TypeTaskDropped, Data: engine.TaskEvent{Error: "queue_full"}})

	if got := testutil.ToFloat64(c.logins.WithLabelValues("false")); got != 1 {
		t.Fatalf("logins = %v", got)
	}
	if got := testutil.ToFloat64(c.refreshes.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected refreshes = %v", got)
	}
	if got := testutil.ToFloat64(c.rotations.WithLabelValues("forced")); got != 1 {
		t.Fatalf("forced rotations = %v", got)
	}
	if got := testutil.ToFloat64(c.pings.WithLabelValues("all", "failed")); got != 1 {
		t.Fatalf("failed pings = %v", got)
	}
	if got := testutil.ToFloat64(c.memberships.WithLabelValues("reconcile")); got != 1 {
		t.Fatalf("dropped reconciles = %v", got)
	}
	if got := testutil.ToFloat64(c.tasksDropped.WithLabelValues("queue_full")); got != 1 {
		t.Fatalf("dropped tasks = %v", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := New("test", nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	events, unsub := bus.Subscribe(16)
	defer unsub()
	go func() { c.Run(ctx, events); close(done) }()

	deadline := time.After(5 * time.Second)
	for testutil.ToFloat64(c.expired) == 0 {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionExpired, Data: ping.ExpiredEvent{Identity: "carol"}})
		select {
		case <-deadline:
			t.Fatal("event not observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestHandlerExposesGauges(t *testing.T) {
	t.Parallel()
	c := New("pingcast", fixedStats{Sessions: 3, LastRotation: time.Unix(1700000000, 0)}, logx.Nop())
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "pingcast_session_active 3") {
		t.Fatalf("missing session gauge in:\n%s", body)
	}
	if !strings.Contains(body, "pingcast_rotation_last_timestamp_seconds 1.7e+09") {
		t.Fatalf("missing rotation gauge in:\n%s", body)
	}
}

type fixedQueue engine.Snapshot

func (f fixedQueue) Snapshot() engine.Snapshot { return engine.Snapshot(f) }

func TestWatchQueueExportsDepth(t *testing.T) {
	t.Parallel()
	c := New("pc", nil, logx.Nop())
	c.WatchQueue("pc", fixedQueue{Queued: 4, InFlight: 1, Delayed: 2})

	want := `
# HELP pc_task_delayed Retries waiting for their backoff to elapse.
# TYPE pc_task_delayed gauge
pc_task_delayed 2
# HELP pc_task_queued Tasks waiting for a worker.
# TYPE pc_task_queued gauge
pc_task_queued 4
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(want), "pc_task_queued", "pc_task_delayed"); err != nil {
		t.Fatal(err)
	}
}
