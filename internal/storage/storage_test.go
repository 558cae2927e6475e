package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pingcast/internal/eventbus"
	"pingcast/internal/ping"
	logx "pingcast/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "disabled"} {
		st, err := Open(context.Background(), Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(context.Background(), Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	kinds := []string{KindLogin, KindRotation, KindPing}
	for i, k := range kinds {
		e := AuditEntry{Kind: k, Identity: "alice", OK: i != 2, Count: i, At: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)}
		if i == 2 {
			e.Error = "provider down"
		}
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit(%s): %v", k, err)
		}
	}
	got, err := st.RecentAudit(ctx, 2)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentAudit returned %d entries", len(got))
	}
	if got[0].Kind != KindPing || got[0].OK || got[0].Error != "provider down" || got[0].ID == "" {
		t.Fatalf("newest entry = %+v", got[0])
	}
	if got[1].Kind != KindRotation || got[1].Identity != "alice" || got[1].Count != 1 {
		t.Fatalf("second entry = %+v", got[1])
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit", "pingcast.jsonl")
	st, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		t.Fatalf("audit file not written: %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pingcast.db")
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
}

// Enabled when PINGCAST_TEST_DSN points at a disposable database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PINGCAST_TEST_DSN")
	if dsn == "" {
		t.Skip("PINGCAST_TEST_DSN is not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pg := st.(*postgresStore)
	if _, err := pg.pool.Exec(ctx, `TRUNCATE pingcast_audit`); err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, st)
}

func TestEntryMapping(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tests := []struct {
		ev   eventbus.Event
		kind string
		ok   bool
	}{
		{eventbus.Event{Type: eventbus.TypeLogin, Time: now, Data: ping.LoginEvent{Identity: "alice"}}, KindLogin, true},
		{eventbus.Event{Type: eventbus.TypeRotation, Time: now, Data: ping.RotationEvent{Groups: 3, Forced: true}}, KindRotation, true},
		{eventbus.Event{Type: eventbus.TypePingFailed, Time: now, Data: ping.PingEvent{Group: "all", Error: "x"}}, KindPing, false},
		{eventbus.Event{Type: eventbus.TypeSessionExpired, Time: now, Data: ping.ExpiredEvent{Identity: "carol"}}, KindExpired, true},
	}
	for _, tt := range tests {
		e, ok := Entry(tt.ev)
		if !ok || e.Kind != tt.kind || e.OK != tt.ok {
			t.Fatalf("Entry(%s) = %+v, %v", tt.ev.Type, e, ok)
		}
	}
	if _, ok := Entry(eventbus.Event{Type: eventbus.TypeRefresh, Data: ping.RefreshEvent{}}); ok {
		t.Fatal("refresh events should not be audited")
	}
}

func TestRecorderWritesEvents(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	st, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	events, unsub := bus.Subscribe(16)
	defer unsub()
	go func() { rec.Run(ctx, events); close(done) }()

	deadline := time.After(5 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeLogin, Data: ping.LoginEvent{Identity: "alice"}})
		got, err := st.RecentAudit(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 && got[0].Identity == "alice" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recorder did not write")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	t.Parallel()
	dsn := sqliteDSN("/var/lib/pingcast/audit.db", 0)
	if !strings.HasPrefix(dsn, "/var/lib/pingcast/audit.db?") {
		t.Fatalf("dsn = %q", dsn)
	}
	for _, want := range []string{"busy_timeout%285000%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
}
